package repo

import (
	"context"
	"database/sql"

	"errandline/internal/domain"
)

// HelperState is a helper's availability and last known position.
type HelperState struct {
	UserID     string
	KYCStatus  domain.KYCStatus
	Online     bool
	Lat        *float64
	Lng        *float64
	LastSeenAt *string
}

// EnsureHelperProfile creates an empty PENDING profile if none exists.
func (r Repo) EnsureHelperProfile(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO helper_profiles(user_id,kyc_status) VALUES (?,?)`, userID, string(domain.KYCPending))
	return err
}

func (r Repo) GetHelperProfile(ctx context.Context, userID string) (domain.HelperProfile, error) {
	var p domain.HelperProfile
	var status string
	var reason, name, idNum, front, back, selfie, submitted sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT kyc_status,kyc_rejection_reason,kyc_full_name,kyc_id_number,kyc_doc_front_url,kyc_doc_back_url,kyc_selfie_url,kyc_submitted_at
FROM helper_profiles WHERE user_id=?`, userID).Scan(&status, &reason, &name, &idNum, &front, &back, &selfie, &submitted)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.KYCStatus = domain.KYCStatus(status)
	p.KYCRejectionReason = stringPtr(reason)
	p.KYCFullName = stringPtr(name)
	p.KYCIDNumber = stringPtr(idNum)
	p.KYCDocFrontURL = stringPtr(front)
	p.KYCDocBackURL = stringPtr(back)
	p.KYCSelfieURL = stringPtr(selfie)
	p.KYCSubmittedAt = stringPtr(submitted)
	return p, nil
}

// SubmitKYC stores documents and resets the decision to PENDING.
func (r Repo) SubmitKYC(ctx context.Context, tx *sql.Tx, userID string, p domain.HelperProfile) error {
	return affectedOne(r.q(tx).ExecContext(ctx, `UPDATE helper_profiles SET kyc_status=?,kyc_rejection_reason=NULL,kyc_full_name=?,kyc_id_number=?,
kyc_doc_front_url=?,kyc_doc_back_url=?,kyc_selfie_url=?,kyc_submitted_at=? WHERE user_id=?`,
		string(domain.KYCPending), nullableStringPtr(p.KYCFullName), nullableStringPtr(p.KYCIDNumber),
		nullableStringPtr(p.KYCDocFrontURL), nullableStringPtr(p.KYCDocBackURL), nullableStringPtr(p.KYCSelfieURL),
		nullableStringPtr(p.KYCSubmittedAt), userID))
}

func (r Repo) DecideKYC(ctx context.Context, userID string, status domain.KYCStatus, reason string) error {
	return affectedOne(r.DB.ExecContext(ctx, `UPDATE helper_profiles SET kyc_status=?,kyc_rejection_reason=? WHERE user_id=?`,
		string(status), nullable(reason), userID))
}

// SetHelperOnline records availability. A nil position keeps the last one.
func (r Repo) SetHelperOnline(ctx context.Context, userID string, online bool, pos *domain.LatLng, now string) error {
	if pos == nil {
		return affectedOne(r.DB.ExecContext(ctx, `UPDATE helper_profiles SET online=?,last_seen_at=? WHERE user_id=?`, online, now, userID))
	}
	return affectedOne(r.DB.ExecContext(ctx, `UPDATE helper_profiles SET online=?,lat=?,lng=?,last_seen_at=? WHERE user_id=?`,
		online, pos.Lat, pos.Lng, now, userID))
}

// UpdateHelperPosition moves an existing helper without changing availability.
func (r Repo) UpdateHelperPosition(ctx context.Context, userID string, pos domain.LatLng, now string) error {
	return affectedOne(r.DB.ExecContext(ctx, `UPDATE helper_profiles SET lat=?,lng=?,last_seen_at=? WHERE user_id=?`, pos.Lat, pos.Lng, now, userID))
}

// AvailableHelpers lists online, approved helpers with a known position.
func (r Repo) AvailableHelpers(ctx context.Context, tx *sql.Tx) ([]HelperState, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT user_id,kyc_status,online,lat,lng,last_seen_at FROM helper_profiles
WHERE online=1 AND kyc_status=? AND lat IS NOT NULL AND lng IS NOT NULL ORDER BY user_id`, string(domain.KYCApproved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []HelperState
	for rows.Next() {
		var h HelperState
		var status string
		var lat, lng sql.NullFloat64
		var seen sql.NullString
		if err := rows.Scan(&h.UserID, &status, &h.Online, &lat, &lng, &seen); err != nil {
			return nil, err
		}
		h.KYCStatus = domain.KYCStatus(status)
		h.Lat, h.Lng, h.LastSeenAt = floatPtr(lat), floatPtr(lng), stringPtr(seen)
		res = append(res, h)
	}
	return res, rows.Err()
}
