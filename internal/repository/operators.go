package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type OperatorsRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Operator, error)
}

type OperatorsRepositoryImpl struct {
	db *sqlx.DB
}

func NewOperatorsRepository(db *sqlx.DB) *OperatorsRepositoryImpl {
	return &OperatorsRepositoryImpl{db: db}
}

var _ OperatorsRepository = (*OperatorsRepositoryImpl)(nil)

func (r *OperatorsRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.Operator, error) {
	var o model.Operator
	err := r.db.GetContext(ctx, &o, `
		SELECT id, name, api_key, status, rate_limit_rps, created_at, updated_at
		  FROM operators
		 WHERE api_key = ? LIMIT 1
	`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}
