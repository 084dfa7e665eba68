package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

type AgentRepo struct {
	db *sql.DB
}

// NewAgentRepo создает новый экземпляр репозитория
func NewAgentRepo(connString string) *AgentRepo {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		// В main мы проверим соединение через Ping
		log.Fatal(err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AgentRepo{db: db}
}

// GetAccountByUsername — аутентификация агента (источник правды — Postgres).
func (r *AgentRepo) GetAccountByUsername(ctx context.Context, username string) (*domain.AgentAccount, error) {
	query := `
		SELECT agent_id, org_id, username, password_hash,
		       display_name, title, avatar_url, created_at, updated_at
		FROM agent_accounts WHERE username = $1`

	acc := &domain.AgentAccount{}
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&acc.AgentID, &acc.OrgID, &acc.Username, &acc.PasswordHash,
		&acc.Profile.DisplayName, &acc.Profile.Title, &acc.Profile.AvatarURL,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return acc, nil
}

// Ping проверяет доступность базы при старте
func (r *AgentRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// DB отдает пул соединений остальным репозиториям (одна база, один пул)
func (r *AgentRepo) DB() *sql.DB {
	return r.db
}
