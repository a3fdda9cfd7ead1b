package reputation

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerDDL creates the table SpannerStore expects.
const SpannerDDL = `CREATE TABLE Reputation (
	AgentID STRING(255) NOT NULL,
	Successes INT64 NOT NULL,
	Failures INT64 NOT NULL,
	TotalRequests INT64 NOT NULL,
	ReputationScore FLOAT64 NOT NULL,
	LastActivity INT64 NOT NULL,
	UpdatedAt TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp=true),
) PRIMARY KEY (AgentID)`

var reputationColumns = []string{"AgentID", "Successes", "Failures", "TotalRequests", "ReputationScore", "LastActivity"}

// SpannerStore keeps reputation in Cloud Spanner. Each outcome runs in a
// read-write transaction, which Spanner retries on contention.
type SpannerStore struct {
	client *spanner.Client
}

// NewSpannerStore connects to projects/<project>/instances/<instance>/databases/<db>.
func NewSpannerStore(ctx context.Context, project, instance, dbName string) (*SpannerStore, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}
	return &SpannerStore{client: client}, nil
}

func (ss *SpannerStore) Record(ctx context.Context, agentID string, success bool, at int64) (*AgentReputation, error) {
	var updated *AgentReputation

	_, err := ss.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var current *AgentReputation

		row, err := txn.ReadRow(ctx, "Reputation", spanner.Key{agentID}, reputationColumns)
		switch {
		case spanner.ErrCode(err) == codes.NotFound:
			// first outcome for this agent
		case err != nil:
			return err
		default:
			if current, err = reputationFromRow(row); err != nil {
				return err
			}
		}

		updated = apply(current, agentID, success, at)

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate("Reputation",
				append(reputationColumns, "UpdatedAt"),
				[]interface{}{
					updated.AgentID, updated.Successes, updated.Failures, updated.TotalRequests,
					updated.ReputationScore, updated.LastActivity, spanner.CommitTimestamp,
				},
			),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record outcome for %s: %w", agentID, err)
	}
	return updated, nil
}

func (ss *SpannerStore) Get(ctx context.Context, agentID string) (*AgentReputation, error) {
	row, err := ss.client.Single().ReadRow(ctx, "Reputation", spanner.Key{agentID}, reputationColumns)
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation for %s: %w", agentID, err)
	}
	return reputationFromRow(row)
}

func (ss *SpannerStore) List(ctx context.Context, limit int) ([]*AgentReputation, error) {
	stmt := spanner.Statement{
		SQL: `SELECT AgentID, Successes, Failures, TotalRequests, ReputationScore, LastActivity
		      FROM Reputation
		      ORDER BY ReputationScore DESC, TotalRequests DESC, AgentID ASC
		      LIMIT @limit`,
		Params: map[string]interface{}{"limit": int64(limit)},
	}

	iter := ss.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	out := make([]*AgentReputation, 0)
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list reputation: %w", err)
		}

		rep, err := reputationFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}

func (ss *SpannerStore) Ping(ctx context.Context) error {
	iter := ss.client.Single().Query(ctx, spanner.Statement{SQL: "SELECT 1"})
	defer iter.Stop()
	_, err := iter.Next()
	return err
}

// Close closes the Spanner client
func (ss *SpannerStore) Close() error {
	ss.client.Close()
	return nil
}

func reputationFromRow(row *spanner.Row) (*AgentReputation, error) {
	var rep AgentReputation
	if err := row.Columns(&rep.AgentID, &rep.Successes, &rep.Failures, &rep.TotalRequests, &rep.ReputationScore, &rep.LastActivity); err != nil {
		return nil, fmt.Errorf("decode reputation row: %w", err)
	}
	return &rep, nil
}
