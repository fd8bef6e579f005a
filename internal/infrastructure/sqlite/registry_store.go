package sqlite

import (
	"context"
	"fmt"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

type registryStore Store

func (s *registryStore) ListStatusTypes(ctx context.Context) ([]*core.StatusType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, category, name, terminal FROM status_types`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list status types: %w", err)
	}
	defer rows.Close()

	var out []*core.StatusType
	for rows.Next() {
		st := &core.StatusType{}
		var terminal int
		if err := rows.Scan(&st.ID, &st.Category, &st.Name, &terminal); err != nil {
			return nil, fmt.Errorf("sqlite: scan status type: %w", err)
		}
		st.Terminal = terminal != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *registryStore) ListStatusTransitions(ctx context.Context) ([]*core.StatusTransition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, category, from_status, to_status FROM status_transitions`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list status transitions: %w", err)
	}
	defer rows.Close()

	var out []*core.StatusTransition
	for rows.Next() {
		tr := &core.StatusTransition{}
		if err := rows.Scan(&tr.ID, &tr.Category, &tr.FromStatus, &tr.ToStatus); err != nil {
			return nil, fmt.Errorf("sqlite: scan status transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
