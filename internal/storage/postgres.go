package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// NewPostgresStoresFromDSN opens a Postgres/CockroachDB-backed StoreSet,
// configuring the connection pool from config before the first ping.
func NewPostgresStoresFromDSN(dsn string, config *CockroachConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return StoreSet{
		Graphs:        &pgGraphStore{db: db},
		Neurons:       &pgNeuronStore{db: db},
		Nodes:         &pgUniversalNodeStore{db: db},
		Conversations: &pgConversationStore{db: db},
		Messages:      &pgMessageStore{db: db},
		Generations:   &pgGenerationStore{db: db},
		Thoughts:      &pgThoughtStore{db: db},
		Users:         &pgUserStore{db: db},
		closer:        db.Close,
	}, nil
}

type pgGraphStore struct{ db *sql.DB }

func (s *pgGraphStore) Get(ctx context.Context, graphID string) (*GraphRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, nodes, edges, global_config, created_at, updated_at
		 FROM graphs WHERE graph_id = $1`, graphID)
	return scanGraphRow(row)
}

func (s *pgGraphStore) GetDefault(ctx context.Context) (*GraphRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, nodes, edges, global_config, created_at, updated_at
		 FROM graphs WHERE is_default = true LIMIT 1`)
	return scanGraphRow(row)
}

func scanGraphRow(row *sql.Row) (*GraphRecord, error) {
	var g GraphRecord
	if err := row.Scan(&g.GraphID, &g.OwnerID, &g.Tier, &g.IsDefault, &g.Name, &g.Description,
		&g.NodesJSON, &g.EdgesJSON, &g.GlobalConfig, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get graph: %w", err)
	}
	return &g, nil
}

func (s *pgGraphStore) ListByOwner(ctx context.Context, ownerID string) ([]*GraphRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT graph_id, owner_id, tier, is_default, name, description, nodes, edges, global_config, created_at, updated_at
		 FROM graphs WHERE owner_id = $1 OR owner_id = 'system' ORDER BY graph_id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	defer rows.Close()

	var out []*GraphRecord
	for rows.Next() {
		var g GraphRecord
		if err := rows.Scan(&g.GraphID, &g.OwnerID, &g.Tier, &g.IsDefault, &g.Name, &g.Description,
			&g.NodesJSON, &g.EdgesJSON, &g.GlobalConfig, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan graph: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *pgGraphStore) Create(ctx context.Context, g *GraphRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO graphs (graph_id, owner_id, tier, is_default, name, description, nodes, edges, global_config, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		g.GraphID, g.OwnerID, g.Tier, g.IsDefault, g.Name, g.Description, g.NodesJSON, g.EdgesJSON, g.GlobalConfig, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create graph: %w", err)
	}
	return nil
}

func (s *pgGraphStore) Update(ctx context.Context, g *GraphRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE graphs SET owner_id=$2, tier=$3, is_default=$4, name=$5, description=$6, nodes=$7, edges=$8, global_config=$9, updated_at=$10
		 WHERE graph_id=$1`,
		g.GraphID, g.OwnerID, g.Tier, g.IsDefault, g.Name, g.Description, g.NodesJSON, g.EdgesJSON, g.GlobalConfig, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update graph: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *pgGraphStore) Delete(ctx context.Context, graphID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE graph_id=$1`, graphID)
	if err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	return checkRowsAffected(res)
}

type pgNeuronStore struct{ db *sql.DB }

func (s *pgNeuronStore) Get(ctx context.Context, neuronID string) (*NeuronRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT neuron_id, owner_id, tier, name, role, provider, endpoint, model, api_key, api_key_encrypted, temperature, max_output_tokens, top_p, created_at, updated_at
		 FROM neurons WHERE neuron_id = $1`, neuronID)

	var n NeuronRecord
	if err := row.Scan(&n.NeuronID, &n.OwnerID, &n.Tier, &n.Name, &n.Role, &n.Provider, &n.Endpoint, &n.Model,
		&n.APIKey, &n.APIKeyEncrypted, &n.Temperature, &n.MaxOutputTokens, &n.TopP, &n.CreatedAt, &n.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get neuron: %w", err)
	}
	return &n, nil
}

func (s *pgNeuronStore) Create(ctx context.Context, n *NeuronRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO neurons (neuron_id, owner_id, tier, name, role, provider, endpoint, model, api_key, api_key_encrypted, temperature, max_output_tokens, top_p, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		n.NeuronID, n.OwnerID, n.Tier, n.Name, n.Role, n.Provider, n.Endpoint, n.Model,
		n.APIKey, n.APIKeyEncrypted, n.Temperature, n.MaxOutputTokens, n.TopP, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create neuron: %w", err)
	}
	return nil
}

func (s *pgNeuronStore) Update(ctx context.Context, n *NeuronRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE neurons SET owner_id=$2, tier=$3, name=$4, role=$5, provider=$6, endpoint=$7, model=$8, api_key=$9, api_key_encrypted=$10, temperature=$11, max_output_tokens=$12, top_p=$13, updated_at=$14
		 WHERE neuron_id=$1`,
		n.NeuronID, n.OwnerID, n.Tier, n.Name, n.Role, n.Provider, n.Endpoint, n.Model,
		n.APIKey, n.APIKeyEncrypted, n.Temperature, n.MaxOutputTokens, n.TopP, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update neuron: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *pgNeuronStore) Delete(ctx context.Context, neuronID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM neurons WHERE neuron_id=$1`, neuronID)
	if err != nil {
		return fmt.Errorf("delete neuron: %w", err)
	}
	return checkRowsAffected(res)
}

type pgUniversalNodeStore struct{ db *sql.DB }

func (s *pgUniversalNodeStore) Get(ctx context.Context, nodeID string) (*UniversalNodeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT node_id, owner_id, type, config, created_at, updated_at FROM universal_nodes WHERE node_id = $1`, nodeID)
	var n UniversalNodeRecord
	if err := row.Scan(&n.NodeID, &n.OwnerID, &n.Type, &n.ConfigRaw, &n.CreatedAt, &n.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get universal node: %w", err)
	}
	return &n, nil
}

func (s *pgUniversalNodeStore) Create(ctx context.Context, n *UniversalNodeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO universal_nodes (node_id, owner_id, type, config, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		n.NodeID, n.OwnerID, n.Type, n.ConfigRaw, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create universal node: %w", err)
	}
	return nil
}

func (s *pgUniversalNodeStore) Update(ctx context.Context, n *UniversalNodeRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE universal_nodes SET owner_id=$2, type=$3, config=$4, updated_at=$5 WHERE node_id=$1`,
		n.NodeID, n.OwnerID, n.Type, n.ConfigRaw, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update universal node: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *pgUniversalNodeStore) Delete(ctx context.Context, nodeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM universal_nodes WHERE node_id=$1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete universal node: %w", err)
	}
	return checkRowsAffected(res)
}

type pgConversationStore struct{ db *sql.DB }

func (s *pgConversationStore) Get(ctx context.Context, conversationID string) (*ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, user_id, title, created_at, updated_at FROM conversations WHERE conversation_id = $1`, conversationID)
	var c ConversationRecord
	if err := row.Scan(&c.ConversationID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *pgConversationStore) Create(ctx context.Context, c *ConversationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, user_id, title, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`,
		c.ConversationID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *pgConversationStore) Update(ctx context.Context, c *ConversationRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET user_id=$2, title=$3, updated_at=$4 WHERE conversation_id=$1`,
		c.ConversationID, c.UserID, c.Title, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return checkRowsAffected(res)
}

type pgMessageStore struct{ db *sql.DB }

func (s *pgMessageStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error) {
	query := `SELECT message_id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *pgMessageStore) Create(ctx context.Context, m *MessageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, role, content, created_at) VALUES ($1,$2,$3,$4,$5)`,
		m.MessageID, m.ConversationID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

type pgGenerationStore struct{ db *sql.DB }

func (s *pgGenerationStore) Get(ctx context.Context, generationID string) (*GenerationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT generation_id, message_id, conversation_id, status, content, metadata, started_at, completed_at
		 FROM generations WHERE generation_id = $1`, generationID)
	var g GenerationRecord
	if err := row.Scan(&g.GenerationID, &g.MessageID, &g.ConversationID, &g.Status, &g.Content, &g.Metadata, &g.StartedAt, &g.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return &g, nil
}

func (s *pgGenerationStore) Create(ctx context.Context, g *GenerationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (generation_id, message_id, conversation_id, status, content, metadata, started_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		g.GenerationID, g.MessageID, g.ConversationID, g.Status, g.Content, g.Metadata, g.StartedAt, g.CompletedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create generation: %w", err)
	}
	return nil
}

func (s *pgGenerationStore) Update(ctx context.Context, g *GenerationRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE generations SET status=$2, content=$3, metadata=$4, completed_at=$5 WHERE generation_id=$1`,
		g.GenerationID, g.Status, g.Content, g.Metadata, g.CompletedAt)
	if err != nil {
		return fmt.Errorf("update generation: %w", err)
	}
	return checkRowsAffected(res)
}

type pgThoughtStore struct{ db *sql.DB }

func (s *pgThoughtStore) ListByGeneration(ctx context.Context, generationID string) ([]*ThoughtRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, generation_id, content, created_at FROM thoughts WHERE generation_id = $1 ORDER BY created_at ASC`, generationID)
	if err != nil {
		return nil, fmt.Errorf("list thoughts: %w", err)
	}
	defer rows.Close()

	var out []*ThoughtRecord
	for rows.Next() {
		var t ThoughtRecord
		if err := rows.Scan(&t.ID, &t.GenerationID, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thought: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *pgThoughtStore) Create(ctx context.Context, t *ThoughtRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thoughts (id, generation_id, content, created_at) VALUES ($1,$2,$3,$4)`,
		t.ID, t.GenerationID, t.Content, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create thought: %w", err)
	}
	return nil
}

type pgUserStore struct{ db *sql.DB }

func (s *pgUserStore) Get(ctx context.Context, userID string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, tier, default_neuron_id, default_worker_neuron_id, default_graph_id, created_at
		 FROM users WHERE user_id = $1`, userID)
	var u UserRecord
	if err := row.Scan(&u.UserID, &u.Tier, &u.DefaultNeuronID, &u.DefaultWorkerNeuronID, &u.DefaultGraphID, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *pgUserStore) Upsert(ctx context.Context, u *UserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, tier, default_neuron_id, default_worker_neuron_id, default_graph_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier,
		   default_neuron_id = EXCLUDED.default_neuron_id,
		   default_worker_neuron_id = EXCLUDED.default_worker_neuron_id,
		   default_graph_id = EXCLUDED.default_graph_id`,
		u.UserID, u.Tier, u.DefaultNeuronID, u.DefaultWorkerNeuronID, u.DefaultGraphID, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
