package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const sqlCreateSchema = `
	create table if not exists accounts (
		account_id uuid primary key,
		user_id text not null,
		balance_coins bigint not null default 0 check (balance_coins >= 0),
		created_at timestamptz not null default now(),
		constraint uniq_accounts_user unique (user_id)
	);

	create table if not exists ledger_entries (
		entry_id uuid primary key,
		account_id uuid not null references accounts(account_id),
		kind text not null,
		amount_coins bigint not null,
		reference text not null,
		metadata jsonb not null default '{}',
		created_at timestamptz not null default now(),
		constraint uniq_entry_kind_reference unique (kind, reference)
	);
	create index if not exists idx_ledger_account_created
		on ledger_entries (account_id, created_at);

	create table if not exists external_payments (
		payment_id uuid primary key,
		provider text not null,
		provider_order_id text not null,
		user_id text not null,
		amount_cents bigint not null,
		currency text not null,
		coins_granted bigint not null,
		status text not null,
		metadata jsonb not null default '{}',
		created_at timestamptz not null default now(),
		constraint uniq_payments_provider_order unique (provider, provider_order_id)
	);
	create index if not exists idx_payments_user on external_payments (user_id);

	create table if not exists entitlements (
		user_id text not null,
		chapter_id text not null,
		price_coins_paid bigint not null,
		created_at timestamptz not null default now(),
		constraint entitlements_pkey primary key (user_id, chapter_id)
	);
`

// EnsureSchema creates the ledger tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, sqlCreateSchema)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return nil
}
