package repo

import (
	"context"
	"database/sql"

	"errandline/internal/domain"
)

const ticketColumns = `id,category,subject,status,priority,related_task_id,last_message_at,created_at,updated_at`

func scanTicket(row rowScanner) (domain.SupportTicket, error) {
	var t domain.SupportTicket
	var category string
	var subject, related sql.NullString
	err := row.Scan(&t.ID, &category, &subject, &t.Status, &t.Priority, &related, &t.LastMessageAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Category = domain.TicketCategory(category)
	t.Subject = stringPtr(subject)
	t.RelatedTaskID = stringPtr(related)
	return t, err
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, userID string, t domain.SupportTicket) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO support_tickets(id,user_id,category,subject,status,priority,related_task_id,last_message_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, userID, string(t.Category), nullableStringPtr(t.Subject), t.Status, t.Priority, nullableStringPtr(t.RelatedTaskID),
		t.LastMessageAt, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTicket returns the user's ticket. Tickets of other users are not found.
func (r Repo) GetTicket(ctx context.Context, tx *sql.Tx, userID, id string) (domain.SupportTicket, error) {
	return scanTicket(r.q(tx).QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM support_tickets WHERE id=? AND user_id=?`, id, userID))
}

func (r Repo) ListTickets(ctx context.Context, userID string) ([]domain.SupportTicket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ticketColumns+` FROM support_tickets WHERE user_id=? ORDER BY last_message_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.SupportTicket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, ticketID string, m domain.SupportMessage) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO support_messages(id,ticket_id,author_type,author_user_id,message,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, ticketID, m.AuthorType, nullableStringPtr(m.AuthorUserID), m.Message, m.CreatedAt); err != nil {
		return err
	}
	return affectedOne(q.ExecContext(ctx, `UPDATE support_tickets SET last_message_at=?,updated_at=? WHERE id=?`, m.CreatedAt, m.CreatedAt, ticketID))
}

func (r Repo) ListMessages(ctx context.Context, ticketID string) ([]domain.SupportMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,author_type,author_user_id,message,created_at FROM support_messages WHERE ticket_id=? ORDER BY created_at, rowid`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.SupportMessage{}
	for rows.Next() {
		var m domain.SupportMessage
		var author sql.NullString
		if err := rows.Scan(&m.ID, &m.AuthorType, &author, &m.Message, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.AuthorUserID = stringPtr(author)
		res = append(res, m)
	}
	return res, rows.Err()
}
