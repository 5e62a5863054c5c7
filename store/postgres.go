package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/onnwee/stream-herald/crypto"
	"github.com/onnwee/stream-herald/event"
)

// Postgres implements Store on top of the shared *sql.DB. Webhook secrets
// are encrypted with AES-256-GCM when ENCRYPTION_KEY is set; the enc column
// records which rows are ciphertext so plaintext rows written before the key
// existed still load.
type Postgres struct {
	db *sql.DB

	encOnce sync.Once
	enc     crypto.Encryptor
	encErr  error
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) encryptor() (crypto.Encryptor, error) {
	p.encOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, webhook secrets stored in plaintext", slog.String("component", "store"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			p.encErr = fmt.Errorf("init secret encryption: %w", err)
			return
		}
		p.enc = enc
	})
	return p.enc, p.encErr
}

func (p *Postgres) sealSecret(secret string) (stored string, version int, err error) {
	enc, err := p.encryptor()
	if err != nil {
		return "", 0, err
	}
	if enc == nil || secret == "" {
		return secret, 0, nil
	}
	ct, err := enc.Encrypt([]byte(secret))
	if err != nil {
		return "", 0, fmt.Errorf("encrypt secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), 1, nil
}

func (p *Postgres) openSecret(stored string, version int) (string, error) {
	if version == 0 || stored == "" {
		return stored, nil
	}
	enc, err := p.encryptor()
	if err != nil {
		return "", err
	}
	if enc == nil {
		return "", fmt.Errorf("secret is encrypted but ENCRYPTION_KEY not configured")
	}
	ct, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(pt), nil
}

func (p *Postgres) GetCallback(ctx context.Context, provider event.Provider, channelID string) (*Callback, error) {
	row := p.db.QueryRowContext(ctx, `SELECT login, display_name, secret, secret_enc, online_sub_id, offline_sub_id, title_sub_id, verify_token, lease_expires_at, guilds
		FROM callbacks WHERE provider=$1 AND channel_id=$2`, provider, channelID)
	cb := &Callback{Provider: provider, ChannelID: channelID}
	var secretEnc int
	var lease sql.NullTime
	var guilds []byte
	err := row.Scan(&cb.Login, &cb.DisplayName, &cb.Secret, &secretEnc, &cb.OnlineSubID, &cb.OfflineSubID, &cb.TitleSubID, &cb.VerifyToken, &lease, &guilds)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if cb.Secret, err = p.openSecret(cb.Secret, secretEnc); err != nil {
		return nil, err
	}
	if lease.Valid {
		cb.LeaseExpiry = lease.Time
	}
	if len(guilds) > 0 {
		if err := json.Unmarshal(guilds, &cb.Guilds); err != nil {
			return nil, fmt.Errorf("decode guild configs: %w", err)
		}
	}
	return cb, nil
}

func (p *Postgres) UpsertCallback(ctx context.Context, cb *Callback) error {
	secret, secretEnc, err := p.sealSecret(cb.Secret)
	if err != nil {
		return err
	}
	guilds, err := json.Marshal(cb.Guilds)
	if err != nil {
		return fmt.Errorf("encode guild configs: %w", err)
	}
	var lease any
	if !cb.LeaseExpiry.IsZero() {
		lease = cb.LeaseExpiry
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO callbacks (provider, channel_id, login, display_name, secret, secret_enc, online_sub_id, offline_sub_id, title_sub_id, verify_token, lease_expires_at, guilds, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
		ON CONFLICT (provider, channel_id) DO UPDATE SET
			login=EXCLUDED.login, display_name=EXCLUDED.display_name,
			secret=EXCLUDED.secret, secret_enc=EXCLUDED.secret_enc,
			online_sub_id=EXCLUDED.online_sub_id, offline_sub_id=EXCLUDED.offline_sub_id, title_sub_id=EXCLUDED.title_sub_id,
			verify_token=EXCLUDED.verify_token, lease_expires_at=EXCLUDED.lease_expires_at,
			guilds=EXCLUDED.guilds, updated_at=NOW()`,
		cb.Provider, cb.ChannelID, cb.Login, cb.DisplayName, secret, secretEnc,
		cb.OnlineSubID, cb.OfflineSubID, cb.TitleSubID, cb.VerifyToken, lease, guilds)
	return err
}

func (p *Postgres) DeleteCallback(ctx context.Context, provider event.Provider, channelID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM callbacks WHERE provider=$1 AND channel_id=$2`, provider, channelID)
	return err
}

func (p *Postgres) ListCallbacks(ctx context.Context, provider event.Provider) ([]*Callback, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT channel_id, login, display_name, secret, secret_enc, online_sub_id, offline_sub_id, title_sub_id, verify_token, lease_expires_at, guilds
		FROM callbacks WHERE provider=$1 ORDER BY channel_id`, provider)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []*Callback
	for rows.Next() {
		cb := &Callback{Provider: provider}
		var secretEnc int
		var lease sql.NullTime
		var guilds []byte
		if err := rows.Scan(&cb.ChannelID, &cb.Login, &cb.DisplayName, &cb.Secret, &secretEnc, &cb.OnlineSubID, &cb.OfflineSubID, &cb.TitleSubID, &cb.VerifyToken, &lease, &guilds); err != nil {
			return nil, err
		}
		if cb.Secret, err = p.openSecret(cb.Secret, secretEnc); err != nil {
			return nil, err
		}
		if lease.Valid {
			cb.LeaseExpiry = lease.Time
		}
		if len(guilds) > 0 {
			if err := json.Unmarshal(guilds, &cb.Guilds); err != nil {
				return nil, fmt.Errorf("decode guild configs for %s: %w", cb.ChannelID, err)
			}
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

func (p *Postgres) GetTitleCallback(ctx context.Context, provider event.Provider, channelID string) (*TitleCallback, error) {
	var targets []byte
	err := p.db.QueryRowContext(ctx, `SELECT targets FROM title_callbacks WHERE provider=$1 AND channel_id=$2`, provider, channelID).Scan(&targets)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tc := &TitleCallback{Provider: provider, ChannelID: channelID}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &tc.Targets); err != nil {
			return nil, fmt.Errorf("decode title targets: %w", err)
		}
	}
	return tc, nil
}

func (p *Postgres) UpsertTitleCallback(ctx context.Context, tc *TitleCallback) error {
	targets, err := json.Marshal(tc.Targets)
	if err != nil {
		return fmt.Errorf("encode title targets: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO title_callbacks (provider, channel_id, targets, updated_at) VALUES ($1,$2,$3,NOW())
		ON CONFLICT (provider, channel_id) DO UPDATE SET targets=EXCLUDED.targets, updated_at=NOW()`,
		tc.Provider, tc.ChannelID, targets)
	return err
}

func (p *Postgres) DeleteTitleCallback(ctx context.Context, provider event.Provider, channelID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM title_callbacks WHERE provider=$1 AND channel_id=$2`, provider, channelID)
	return err
}

func (p *Postgres) GetChannelState(ctx context.Context, provider event.Provider, channelID string) (*ChannelState, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT state FROM channel_cache WHERE provider=$1 AND channel_id=$2`, provider, channelID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st := &ChannelState{}
	if err := json.Unmarshal(body, st); err != nil {
		return nil, fmt.Errorf("decode channel state: %w", err)
	}
	return st, nil
}

func (p *Postgres) PutChannelState(ctx context.Context, provider event.Provider, channelID string, st *ChannelState) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode channel state: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO channel_cache (provider, channel_id, state, updated_at) VALUES ($1,$2,$3,NOW())
		ON CONFLICT (provider, channel_id) DO UPDATE SET state=EXCLUDED.state, updated_at=NOW()`,
		provider, channelID, body)
	return err
}

func (p *Postgres) DeleteChannelState(ctx context.Context, provider event.Provider, channelID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM channel_cache WHERE provider=$1 AND channel_id=$2`, provider, channelID)
	return err
}

func (p *Postgres) GetTitleState(ctx context.Context, provider event.Provider, channelID string) (*TitleState, error) {
	ts := &TitleState{}
	err := p.db.QueryRowContext(ctx, `SELECT title, game FROM title_cache WHERE provider=$1 AND channel_id=$2`, provider, channelID).Scan(&ts.Title, &ts.Game)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ts, nil
}

func (p *Postgres) PutTitleState(ctx context.Context, provider event.Provider, channelID string, ts *TitleState) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO title_cache (provider, channel_id, title, game, updated_at) VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (provider, channel_id) DO UPDATE SET title=EXCLUDED.title, game=EXCLUDED.game, updated_at=NOW()`,
		provider, channelID, ts.Title, ts.Game)
	return err
}

func (p *Postgres) DeleteTitleState(ctx context.Context, provider event.Provider, channelID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM title_cache WHERE provider=$1 AND channel_id=$2`, provider, channelID)
	return err
}

func (p *Postgres) GetManagerRole(ctx context.Context, guildID string) (string, error) {
	var role string
	err := p.db.QueryRowContext(ctx, `SELECT manager_role_id FROM guild_settings WHERE guild_id=$1`, guildID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

func (p *Postgres) SetManagerRole(ctx context.Context, guildID, roleID string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO guild_settings (guild_id, manager_role_id, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT (guild_id) DO UPDATE SET manager_role_id=EXCLUDED.manager_role_id, updated_at=NOW()`, guildID, roleID)
	return err
}

func (p *Postgres) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (p *Postgres) SetKV(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

var _ Store = (*Postgres)(nil)
