// Package membership checks realtime joins against the persisted channel
// member list in PostgreSQL, so a connection only observes channels its user
// belongs to.
package membership

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/samber/oops"
)

// CodeMembershipLookup tags failed membership queries.
const CodeMembershipLookup = "MEMBERSHIP_LOOKUP"

// Verifier answers membership questions from the channel_members table.
type Verifier struct {
	db      *sql.DB
	timeout time.Duration
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, oops.Code(CodeMembershipLookup).Wrapf(err, "membership: open")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, oops.Code(CodeMembershipLookup).Wrapf(err, "membership: ping")
	}
	return db, nil
}

// NewVerifier creates a Verifier backed by db. Each lookup is bounded by
// timeout; zero disables the bound.
func NewVerifier(db *sql.DB, timeout time.Duration) *Verifier {
	return &Verifier{db: db, timeout: timeout}
}

// CanJoin reports whether userID is a persisted member of channelID.
func (v *Verifier) CanJoin(ctx context.Context, userID, channelID string) (bool, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	const query = `
		SELECT EXISTS (
			SELECT 1
			FROM channel_members
			WHERE channel_id = $1
			  AND user_id = $2
		)`

	var ok bool
	if err := v.db.QueryRowContext(ctx, query, channelID, userID).Scan(&ok); err != nil {
		return false, oops.
			Code(CodeMembershipLookup).
			With("user_id", userID, "channel_id", channelID).
			Wrapf(err, "membership: lookup")
	}
	return ok, nil
}

// Close closes the underlying database handle.
func (v *Verifier) Close() error {
	return v.db.Close()
}
