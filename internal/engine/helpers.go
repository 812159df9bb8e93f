package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"errandline/internal/domain"
	"errandline/internal/repo"
)

func (e Engine) HelperProfile(ctx context.Context, p Principal) (domain.HelperProfile, error) {
	if err := requireRole(p, domain.RoleHelper); err != nil {
		return domain.HelperProfile{}, err
	}
	prof, err := e.Repo.GetHelperProfile(ctx, p.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		if err := e.Repo.EnsureHelperProfile(ctx, nil, p.UserID); err != nil {
			return domain.HelperProfile{}, err
		}
		return e.Repo.GetHelperProfile(ctx, p.UserID)
	}
	return prof, err
}

// SetOnline toggles availability. Only approved helpers may go online.
func (e Engine) SetOnline(ctx context.Context, p Principal, online bool, pos *domain.LatLng) error {
	prof, err := e.HelperProfile(ctx, p)
	if err != nil {
		return err
	}
	if online && prof.KYCStatus != domain.KYCApproved {
		return invalid("kyc_not_approved", "verification is %s", strings.ToLower(string(prof.KYCStatus)))
	}
	if pos != nil && !pos.Valid() {
		return invalid("invalid_location", "lat/lng out of range")
	}
	if err := e.Repo.SetHelperOnline(ctx, p.UserID, online, pos, e.stamp()); err != nil {
		return err
	}
	e.logger().Info("helper availability", zap.String("helper", p.UserID), zap.Bool("online", online))
	return nil
}

// KYCDocument is one uploaded verification image.
type KYCDocument struct {
	FileName    string
	ContentType string
	Data        []byte
}

// SubmitKYC stores the documents and puts the helper back into review.
func (e Engine) SubmitKYC(ctx context.Context, p Principal, fullName, idNumber string, front, back, selfie KYCDocument) (domain.HelperProfile, error) {
	if _, err := e.HelperProfile(ctx, p); err != nil {
		return domain.HelperProfile{}, err
	}
	fullName, idNumber = strings.TrimSpace(fullName), strings.TrimSpace(idNumber)
	if fullName == "" || idNumber == "" {
		return domain.HelperProfile{}, invalid("invalid_kyc", "fullName and idNumber are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.HelperProfile{}, err
	}
	defer tx.Rollback()
	urls := make([]*string, 0, 3)
	for _, doc := range []KYCDocument{front, back, selfie} {
		if len(doc.Data) == 0 {
			return domain.HelperProfile{}, invalid("missing_file", "all three images are required")
		}
		up := repo.Upload{ID: newID(), OwnerID: p.UserID, FileName: doc.FileName, ContentType: doc.ContentType, Data: doc.Data, CreatedAt: e.stamp()}
		if up.ContentType == "" {
			up.ContentType = "image/jpeg"
		}
		if err := e.Repo.InsertUpload(ctx, tx, up); err != nil {
			return domain.HelperProfile{}, err
		}
		u := UploadPath(up.ID)
		urls = append(urls, &u)
	}
	at := e.stamp()
	err = e.Repo.SubmitKYC(ctx, tx, p.UserID, domain.HelperProfile{
		KYCFullName:    &fullName,
		KYCIDNumber:    &idNumber,
		KYCDocFrontURL: urls[0],
		KYCDocBackURL:  urls[1],
		KYCSelfieURL:   urls[2],
		KYCSubmittedAt: &at,
	})
	if err != nil {
		return domain.HelperProfile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.HelperProfile{}, err
	}
	return e.Repo.GetHelperProfile(ctx, p.UserID)
}

// DecideKYC records a reviewer decision. It backs the dev-only endpoint.
func (e Engine) DecideKYC(ctx context.Context, helperID string, status domain.KYCStatus, reason string) (domain.HelperProfile, error) {
	switch status {
	case domain.KYCApproved, domain.KYCRejected, domain.KYCPending:
	default:
		return domain.HelperProfile{}, invalid("invalid_kyc_status", "status %q is not a KYC decision", status)
	}
	if status != domain.KYCRejected {
		reason = ""
	}
	err := e.Repo.DecideKYC(ctx, helperID, status, reason)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.HelperProfile{}, notFound("helper")
	}
	if err != nil {
		return domain.HelperProfile{}, err
	}
	if status != domain.KYCApproved {
		if err := e.Repo.SetHelperOnline(ctx, helperID, false, nil, e.stamp()); err != nil {
			return domain.HelperProfile{}, err
		}
	}
	return e.Repo.GetHelperProfile(ctx, helperID)
}

// Upload returns a stored image. Uploads are addressed by unguessable ids.
func (e Engine) Upload(ctx context.Context, id string) (repo.Upload, error) {
	up, err := e.Repo.GetUpload(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return up, notFound("upload")
	}
	return up, err
}
