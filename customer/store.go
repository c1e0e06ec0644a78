package customer

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when the referenced customer does not exist.
var ErrNotFound = errors.New("customer not found")

// dbtx is the subset of pgx operations the store needs. Both pgxpool.Pool
// and pgx.Tx satisfy it, so the same store runs inside or outside a
// transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store persists customers in the 'customers' table.
type Store struct {
	sb sq.StatementBuilderType
}

func NewStore() *Store {
	return &Store{
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (s *Store) Insert(ctx context.Context, db dbtx, c Customer) error {
	query, args, err := s.sb.
		Insert("customers").
		Columns("id", "email", "first_name", "last_name").
		Values(c.ID, c.Email, c.FirstName, c.LastName).
		ToSql()
	if err != nil {
		return fmt.Errorf("build customer insert: %w", err)
	}
	if _, err := db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

// FindByID returns the customer with the given id or ErrNotFound. With
// forUpdate the row is read with a row-level lock, which the mutating
// paths use to avoid check-then-write races between concurrent
// transactions on the same id.
func (s *Store) FindByID(ctx context.Context, db dbtx, id string, forUpdate bool) (Customer, error) {
	b := s.sb.
		Select("id", "email", "first_name", "last_name").
		From("customers").
		Where(sq.Eq{"id": id})
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return Customer{}, fmt.Errorf("build customer select: %w", err)
	}

	var c Customer
	err = db.QueryRow(ctx, query, args...).Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("select customer: %w", err)
	}
	return c, nil
}

func (s *Store) Update(ctx context.Context, db dbtx, c Customer) error {
	query, args, err := s.sb.
		Update("customers").
		Set("email", c.Email).
		Set("first_name", c.FirstName).
		Set("last_name", c.LastName).
		Where(sq.Eq{"id": c.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build customer update: %w", err)
	}
	ct, err := db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, db dbtx, id string) error {
	query, args, err := s.sb.
		Delete("customers").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build customer delete: %w", err)
	}
	ct, err := db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
