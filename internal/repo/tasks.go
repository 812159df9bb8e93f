package repo

import (
	"context"
	"database/sql"
	"fmt"

	"errandline/internal/domain"
)

const taskColumns = `id,buyer_id,title,description,urgency,time_minutes,budget_paise,lat,lng,address_text,status,assigned_helper_id,arrival_otp,completion_otp,
arrival_selfie_url,arrival_selfie_lat,arrival_selfie_lng,arrival_selfie_address,arrival_selfie_captured_at,
completion_selfie_url,completion_selfie_lat,completion_selfie_lng,completion_selfie_address,completion_selfie_captured_at,
buyer_rating,buyer_rating_comment,buyer_rated_at,helper_rating,helper_rating_comment,helper_rated_at,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var address, helper, arrOTP, doneOTP sql.NullString
	var arrURL, arrAddr, arrAt, doneURL, doneAddr, doneAt sql.NullString
	var arrLat, arrLng, doneLat, doneLng sql.NullFloat64
	var buyerRating, helperRating sql.NullInt64
	var buyerComment, buyerAt, helperComment, helperAt sql.NullString
	var status, urgency string
	err := row.Scan(&t.ID, &t.BuyerID, &t.Title, &t.Description, &urgency, &t.TimeMinutes, &t.BudgetPaise, &t.Lat, &t.Lng, &address,
		&status, &helper, &arrOTP, &doneOTP,
		&arrURL, &arrLat, &arrLng, &arrAddr, &arrAt,
		&doneURL, &doneLat, &doneLng, &doneAddr, &doneAt,
		&buyerRating, &buyerComment, &buyerAt, &helperRating, &helperComment, &helperAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.Urgency = domain.Urgency(urgency)
	t.AddressText = stringPtr(address)
	t.AssignedHelperID = stringPtr(helper)
	t.ArrivalOTP = stringPtr(arrOTP)
	t.CompletionOTP = stringPtr(doneOTP)
	t.ArrivalSelfieURL = stringPtr(arrURL)
	t.ArrivalSelfieLat = floatPtr(arrLat)
	t.ArrivalSelfieLng = floatPtr(arrLng)
	t.ArrivalSelfieAddress = stringPtr(arrAddr)
	t.ArrivalSelfieCapturedAt = stringPtr(arrAt)
	t.CompletionSelfieURL = stringPtr(doneURL)
	t.CompletionSelfieLat = floatPtr(doneLat)
	t.CompletionSelfieLng = floatPtr(doneLng)
	t.CompletionSelfieAddress = stringPtr(doneAddr)
	t.CompletionSelfieCapturedAt = stringPtr(doneAt)
	t.BuyerRating = intPtr(buyerRating)
	t.BuyerRatingComment = stringPtr(buyerComment)
	t.BuyerRatedAt = stringPtr(buyerAt)
	t.HelperRating = intPtr(helperRating)
	t.HelperRatingComment = stringPtr(helperComment)
	t.HelperRatedAt = stringPtr(helperAt)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,buyer_id,title,description,urgency,time_minutes,budget_paise,lat,lng,address_text,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.BuyerID, t.Title, t.Description, string(t.Urgency), t.TimeMinutes, t.BudgetPaise, t.Lat, t.Lng,
		nullableStringPtr(t.AddressText), string(t.Status), t.CreatedAt)
	return err
}

// UpdateTask writes every mutable column of t.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?,assigned_helper_id=?,arrival_otp=?,completion_otp=?,
arrival_selfie_url=?,arrival_selfie_lat=?,arrival_selfie_lng=?,arrival_selfie_address=?,arrival_selfie_captured_at=?,
completion_selfie_url=?,completion_selfie_lat=?,completion_selfie_lng=?,completion_selfie_address=?,completion_selfie_captured_at=?,
buyer_rating=?,buyer_rating_comment=?,buyer_rated_at=?,helper_rating=?,helper_rating_comment=?,helper_rated_at=?
WHERE id=?`,
		string(t.Status), nullableStringPtr(t.AssignedHelperID), nullableStringPtr(t.ArrivalOTP), nullableStringPtr(t.CompletionOTP),
		nullableStringPtr(t.ArrivalSelfieURL), nullableFloatPtr(t.ArrivalSelfieLat), nullableFloatPtr(t.ArrivalSelfieLng),
		nullableStringPtr(t.ArrivalSelfieAddress), nullableStringPtr(t.ArrivalSelfieCapturedAt),
		nullableStringPtr(t.CompletionSelfieURL), nullableFloatPtr(t.CompletionSelfieLat), nullableFloatPtr(t.CompletionSelfieLng),
		nullableStringPtr(t.CompletionSelfieAddress), nullableStringPtr(t.CompletionSelfieCapturedAt),
		nullableIntPtr(t.BuyerRating), nullableStringPtr(t.BuyerRatingComment), nullableStringPtr(t.BuyerRatedAt),
		nullableIntPtr(t.HelperRating), nullableStringPtr(t.HelperRatingComment), nullableStringPtr(t.HelperRatedAt),
		t.ID)
	return affectedOne(res, err)
}

// AssignTask moves a SEARCHING task to ASSIGNED for helperID. It reports
// ErrNotFound when the task is missing or no longer searching.
func (r Repo) AssignTask(ctx context.Context, tx *sql.Tx, taskID, helperID, arrivalOTP, completionOTP string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?,assigned_helper_id=?,arrival_otp=?,completion_otp=?
WHERE id=? AND status=? AND assigned_helper_id IS NULL`,
		string(domain.StatusAssigned), helperID, arrivalOTP, completionOTP, taskID, string(domain.StatusSearching))
	return affectedOne(res, err)
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM tasks WHERE id=?`, taskColumns), id))
}

// ListTasksForUser returns tasks the user posted or is assigned to, newest first.
func (r Repo) ListTasksForUser(ctx context.Context, userID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM tasks WHERE buyer_id=? OR assigned_helper_id=? ORDER BY created_at DESC, id DESC`, taskColumns),
		userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertOffer(ctx context.Context, tx *sql.Tx, taskID, helperID string, distance float64, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_offers(task_id,helper_id,distance_m,created_at) VALUES (?,?,?,?)`,
		taskID, helperID, distance, now)
	return err
}

// OfferedTo reports whether the task was offered to the helper.
func (r Repo) OfferedTo(ctx context.Context, tx *sql.Tx, taskID, helperID string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM task_offers WHERE task_id=? AND helper_id=?`, taskID, helperID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListOfferHelpers(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT helper_id FROM task_offers WHERE task_id=? ORDER BY distance_m, helper_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
