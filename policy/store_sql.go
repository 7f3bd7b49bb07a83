package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// SQLStore persists user policies in a relational database through
// database/sql. Amounts are stored as decimal strings and the allow-lists
// as JSON arrays, so the schema is portable across drivers.
type SQLStore struct {
	db *sql.DB
}

// SchemaSQL creates the backing table.
const SchemaSQL = `CREATE TABLE IF NOT EXISTS user_policies (
	address TEXT PRIMARY KEY,
	max_transaction_amount TEXT NOT NULL,
	daily_spending_limit TEXT NOT NULL,
	spent_today TEXT NOT NULL,
	last_reset BIGINT NOT NULL,
	authorized_merchants TEXT NOT NULL,
	authorized_domains TEXT NOT NULL,
	auto_pay_enabled BOOLEAN NOT NULL
)`

const (
	selectPolicySQL = `SELECT address, max_transaction_amount, daily_spending_limit, spent_today, last_reset, authorized_merchants, authorized_domains, auto_pay_enabled FROM user_policies WHERE address = $1`

	upsertPolicySQL = `INSERT INTO user_policies (address, max_transaction_amount, daily_spending_limit, spent_today, last_reset, authorized_merchants, authorized_domains, auto_pay_enabled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (address) DO UPDATE SET
	max_transaction_amount = EXCLUDED.max_transaction_amount,
	daily_spending_limit = EXCLUDED.daily_spending_limit,
	spent_today = EXCLUDED.spent_today,
	last_reset = EXCLUDED.last_reset,
	authorized_merchants = EXCLUDED.authorized_merchants,
	authorized_domains = EXCLUDED.authorized_domains,
	auto_pay_enabled = EXCLUDED.auto_pay_enabled`

	scanPoliciesSQL = `SELECT address, max_transaction_amount, daily_spending_limit, spent_today, last_reset, authorized_merchants, authorized_domains, auto_pay_enabled FROM user_policies`
)

// NewSQLStore wraps an open database handle. The schema must already
// exist; run SchemaSQL during migration.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, address string) (*UserPolicy, error) {
	row := s.db.QueryRowContext(ctx, selectPolicySQL, normalizeAddress(address))
	policy, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return policy, err
}

func (s *SQLStore) Put(ctx context.Context, policy *UserPolicy) error {
	args, err := upsertArgs(policy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertPolicySQL, args...)
	return err
}

func (s *SQLStore) Update(ctx context.Context, address string, defaults Defaults, now time.Time, fn func(*UserPolicy) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectPolicySQL, normalizeAddress(address))
	policy, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		policy = NewUserPolicy(address, defaults, now)
	} else if err != nil {
		return err
	}

	if err := fn(policy); err != nil {
		return err
	}

	args, err := upsertArgs(policy)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsertPolicySQL, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Scan(ctx context.Context, fn func(*UserPolicy) error) error {
	rows, err := s.db.QueryContext(ctx, scanPoliciesSQL)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return err
		}
		if err := fn(policy); err != nil {
			return err
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*UserPolicy, error) {
	var (
		address, maxTx, dailyLimit, spent string
		lastReset                         int64
		merchantsJSON, domainsJSON        string
		autoPay                           bool
	)
	if err := row.Scan(&address, &maxTx, &dailyLimit, &spent, &lastReset, &merchantsJSON, &domainsJSON, &autoPay); err != nil {
		return nil, err
	}

	policy := &UserPolicy{
		Address:             address,
		LastReset:           time.Unix(lastReset, 0).UTC(),
		AuthorizedMerchants: make(map[string]bool),
		AuthorizedDomains:   make(map[string]bool),
		AutoPayEnabled:      autoPay,
	}

	var ok bool
	if policy.MaxTransactionAmount, ok = new(big.Int).SetString(maxTx, 10); !ok {
		return nil, fmt.Errorf("corrupt max_transaction_amount for %s: %q", address, maxTx)
	}
	if policy.DailySpendingLimit, ok = new(big.Int).SetString(dailyLimit, 10); !ok {
		return nil, fmt.Errorf("corrupt daily_spending_limit for %s: %q", address, dailyLimit)
	}
	if policy.SpentToday, ok = new(big.Int).SetString(spent, 10); !ok {
		return nil, fmt.Errorf("corrupt spent_today for %s: %q", address, spent)
	}

	var merchants, domains []string
	if err := json.Unmarshal([]byte(merchantsJSON), &merchants); err != nil {
		return nil, fmt.Errorf("corrupt authorized_merchants for %s: %w", address, err)
	}
	if err := json.Unmarshal([]byte(domainsJSON), &domains); err != nil {
		return nil, fmt.Errorf("corrupt authorized_domains for %s: %w", address, err)
	}
	for _, m := range merchants {
		policy.AuthorizedMerchants[m] = true
	}
	for _, d := range domains {
		policy.AuthorizedDomains[d] = true
	}
	return policy, nil
}

func upsertArgs(policy *UserPolicy) ([]interface{}, error) {
	merchants := make([]string, 0, len(policy.AuthorizedMerchants))
	for m := range policy.AuthorizedMerchants {
		merchants = append(merchants, m)
	}
	domains := make([]string, 0, len(policy.AuthorizedDomains))
	for d := range policy.AuthorizedDomains {
		domains = append(domains, d)
	}
	merchantsJSON, err := json.Marshal(merchants)
	if err != nil {
		return nil, err
	}
	domainsJSON, err := json.Marshal(domains)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		normalizeAddress(policy.Address),
		policy.MaxTransactionAmount.String(),
		policy.DailySpendingLimit.String(),
		policy.SpentToday.String(),
		policy.LastReset.Unix(),
		string(merchantsJSON),
		string(domainsJSON),
		policy.AutoPayEnabled,
	}, nil
}
