package repo

import (
	"context"
	"database/sql"

	"errandline/internal/domain"
)

// User is the stored account record. PasswordHash is empty for OTP-only accounts.
type User struct {
	ID               string
	Role             domain.Role
	Phone            *string
	Email            *string
	PasswordHash     string
	DisplayName      *string
	DemoBalancePaise int64
	CreatedAt        string
}

func (u User) Identity() domain.Identity {
	id := domain.Identity{ID: u.ID, Role: u.Role, Email: u.Email, DisplayName: u.DisplayName}
	if u.Phone != nil {
		id.Phone = *u.Phone
	}
	return id
}

func (u User) Profile() domain.MeProfile {
	bal := u.DemoBalancePaise
	return domain.MeProfile{ID: u.ID, Role: u.Role, Phone: u.Phone, Email: u.Email, DisplayName: u.DisplayName, DemoBalancePaise: &bal}
}

const userColumns = `id,role,phone,email,COALESCE(password_hash,''),display_name,demo_balance_paise,created_at`

func scanUser(row rowScanner) (User, error) {
	var u User
	var role string
	var phone, email, name sql.NullString
	err := row.Scan(&u.ID, &role, &phone, &email, &u.PasswordHash, &name, &u.DemoBalancePaise, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Role = domain.Role(role)
	u.Phone = stringPtr(phone)
	u.Email = stringPtr(email)
	u.DisplayName = stringPtr(name)
	return u, nil
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,role,phone,email,password_hash,display_name,demo_balance_paise,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, string(u.Role), nullableStringPtr(u.Phone), nullableStringPtr(u.Email), nullable(u.PasswordHash),
		nullableStringPtr(u.DisplayName), u.DemoBalancePaise, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (User, error) {
	return r.GetUserTx(ctx, nil, id)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByPhone(ctx context.Context, tx *sql.Tx, phone string, role domain.Role) (User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone=? AND role=?`, phone, string(role)))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=? COLLATE NOCASE`, email))
}

func (r Repo) UpdateDisplayName(ctx context.Context, id, name string) error {
	return affectedOne(r.DB.ExecContext(ctx, `UPDATE users SET display_name=? WHERE id=?`, nullable(name), id))
}

// AdjustBalance adds delta to the user's demo wallet.
func (r Repo) AdjustBalance(ctx context.Context, tx *sql.Tx, id string, delta int64) error {
	return affectedOne(r.q(tx).ExecContext(ctx, `UPDATE users SET demo_balance_paise=demo_balance_paise+? WHERE id=?`, delta, id))
}
