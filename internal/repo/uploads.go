package repo

import (
	"context"
	"database/sql"
)

// Upload is a stored image served back under /uploads/{id}.
type Upload struct {
	ID          string
	OwnerID     string
	FileName    string
	ContentType string
	Data        []byte
	CreatedAt   string
}

func (r Repo) InsertUpload(ctx context.Context, tx *sql.Tx, u Upload) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO uploads(id,owner_id,file_name,content_type,data,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.OwnerID, u.FileName, u.ContentType, u.Data, u.CreatedAt)
	return err
}

func (r Repo) GetUpload(ctx context.Context, id string) (Upload, error) {
	var u Upload
	err := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,file_name,content_type,data,created_at FROM uploads WHERE id=?`, id).
		Scan(&u.ID, &u.OwnerID, &u.FileName, &u.ContentType, &u.Data, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}
