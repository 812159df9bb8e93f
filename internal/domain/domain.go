package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleHelper Role = "HELPER"
	RoleAdmin  Role = "ADMIN"
)

// ParseRole accepts any casing of a known role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleBuyer:
		return RoleBuyer, nil
	case RoleHelper:
		return RoleHelper, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Identity is the signed-in user as reported by the backend.
type Identity struct {
	ID          string  `json:"id"`
	Role        Role    `json:"role"`
	Phone       string  `json:"phone"`
	Email       *string `json:"email,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`
}

// Credential is the persisted pair of tokens plus the identity they belong to.
type Credential struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	Identity     Identity `json:"user"`
}

// Complete reports whether every part of the credential is present.
func (c Credential) Complete() bool {
	return c.AccessToken != "" && c.RefreshToken != "" && c.Identity.ID != ""
}

type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyNormal   Urgency = "NORMAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(strings.ToUpper(strings.TrimSpace(s))); u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return u, nil
	}
	return "", fmt.Errorf("unknown urgency %q", s)
}

type EvidenceStage string

const (
	StageArrival    EvidenceStage = "ARRIVAL"
	StageCompletion EvidenceStage = "COMPLETION"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is finite and inside WGS84 ranges.
func (p LatLng) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// ParseLatLng parses "lat,lng". Returns false for anything malformed or out of range.
func ParseLatLng(raw string) (LatLng, bool) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return LatLng{}, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return LatLng{}, false
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return LatLng{}, false
	}
	p := LatLng{Lat: lat, Lng: lng}
	return p, p.Valid()
}

// PositionSample is one observed location of a helper.
type PositionSample struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	TimestampMs int64   `json:"ts"`
}

func (s PositionSample) Point() LatLng { return LatLng{Lat: s.Lat, Lng: s.Lng} }

func (s PositionSample) Time() time.Time { return time.UnixMilli(s.TimestampMs) }

// Evidence is a geotagged photo proving presence at a checkpoint.
type Evidence struct {
	Stage       EvidenceStage `json:"stage"`
	ImageRef    string        `json:"imageRef"`
	Location    LatLng        `json:"location"`
	AddressText string        `json:"addressText,omitempty"`
	CapturedAt  time.Time     `json:"capturedAt"`
}

type Task struct {
	ID               string     `json:"id"`
	BuyerID          string     `json:"buyerId"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Urgency          Urgency    `json:"urgency"`
	TimeMinutes      int        `json:"timeMinutes"`
	BudgetPaise      int64      `json:"budgetPaise"`
	Lat              float64    `json:"lat"`
	Lng              float64    `json:"lng"`
	AddressText      *string    `json:"addressText,omitempty"`
	Status           TaskStatus `json:"status"`
	AssignedHelperID *string    `json:"assignedHelperId,omitempty"`
	ArrivalOTP       *string    `json:"arrivalOtp,omitempty"`
	CompletionOTP    *string    `json:"completionOtp,omitempty"`

	ArrivalSelfieURL           *string  `json:"arrivalSelfieUrl,omitempty"`
	ArrivalSelfieLat           *float64 `json:"arrivalSelfieLat,omitempty"`
	ArrivalSelfieLng           *float64 `json:"arrivalSelfieLng,omitempty"`
	ArrivalSelfieAddress       *string  `json:"arrivalSelfieAddress,omitempty"`
	ArrivalSelfieCapturedAt    *string  `json:"arrivalSelfieCapturedAt,omitempty"`
	CompletionSelfieURL        *string  `json:"completionSelfieUrl,omitempty"`
	CompletionSelfieLat        *float64 `json:"completionSelfieLat,omitempty"`
	CompletionSelfieLng        *float64 `json:"completionSelfieLng,omitempty"`
	CompletionSelfieAddress    *string  `json:"completionSelfieAddress,omitempty"`
	CompletionSelfieCapturedAt *string  `json:"completionSelfieCapturedAt,omitempty"`

	BuyerRating         *int    `json:"buyerRating,omitempty"`
	BuyerRatingComment  *string `json:"buyerRatingComment,omitempty"`
	BuyerRatedAt        *string `json:"buyerRatedAt,omitempty"`
	HelperRating        *int    `json:"helperRating,omitempty"`
	HelperRatingComment *string `json:"helperRatingComment,omitempty"`
	HelperRatedAt       *string `json:"helperRatedAt,omitempty"`

	CreatedAt string `json:"createdAt"`
}

func (t Task) Location() LatLng { return LatLng{Lat: t.Lat, Lng: t.Lng} }

// HasEvidence reports whether the backend holds evidence for the stage.
func (t Task) HasEvidence(stage EvidenceStage) bool {
	switch stage {
	case StageArrival:
		return t.ArrivalSelfieURL != nil && *t.ArrivalSelfieURL != ""
	case StageCompletion:
		return t.CompletionSelfieURL != nil && *t.CompletionSelfieURL != ""
	}
	return false
}

// RatingBy returns the rating the given role left, if any.
func (t Task) RatingBy(role Role) (int, bool) {
	var r *int
	switch role {
	case RoleBuyer:
		r = t.BuyerRating
	case RoleHelper:
		r = t.HelperRating
	}
	if r == nil {
		return 0, false
	}
	return *r, true
}

// UnmarshalJSON tolerates numbers sent as strings and drops non-finite values.
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	aux := struct {
		*plain
		TimeMinutes         flexNumber `json:"timeMinutes"`
		BudgetPaise         flexNumber `json:"budgetPaise"`
		Lat                 flexNumber `json:"lat"`
		Lng                 flexNumber `json:"lng"`
		ArrivalSelfieLat    flexNumber `json:"arrivalSelfieLat"`
		ArrivalSelfieLng    flexNumber `json:"arrivalSelfieLng"`
		CompletionSelfieLat flexNumber `json:"completionSelfieLat"`
		CompletionSelfieLng flexNumber `json:"completionSelfieLng"`
		BuyerRating         flexNumber `json:"buyerRating"`
		HelperRating        flexNumber `json:"helperRating"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.TimeMinutes = int(aux.TimeMinutes.or(0))
	t.BudgetPaise = int64(aux.BudgetPaise.or(0))
	t.Lat = aux.Lat.or(0)
	t.Lng = aux.Lng.or(0)
	t.ArrivalSelfieLat = aux.ArrivalSelfieLat.ptr()
	t.ArrivalSelfieLng = aux.ArrivalSelfieLng.ptr()
	t.CompletionSelfieLat = aux.CompletionSelfieLat.ptr()
	t.CompletionSelfieLng = aux.CompletionSelfieLng.ptr()
	t.BuyerRating = aux.BuyerRating.intPtr()
	t.HelperRating = aux.HelperRating.intPtr()
	return nil
}

// flexNumber decodes a JSON number, a numeric string, or null.
type flexNumber struct {
	v  float64
	ok bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		return nil
	}
	s = strings.Trim(s, `"`)
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	n.v, n.ok = f, true
	return nil
}

func (n flexNumber) or(fallback float64) float64 {
	if !n.ok {
		return fallback
	}
	return n.v
}

func (n flexNumber) ptr() *float64 {
	if !n.ok {
		return nil
	}
	v := n.v
	return &v
}

func (n flexNumber) intPtr() *int {
	if !n.ok {
		return nil
	}
	v := int(math.Round(n.v))
	return &v
}

type CreateTaskRequest struct {
	Title       string  `json:"title" validate:"required,max=200"`
	Description string  `json:"description" validate:"max=4000"`
	Urgency     Urgency `json:"urgency" validate:"required,oneof=LOW NORMAL HIGH CRITICAL"`
	TimeMinutes int     `json:"timeMinutes" validate:"gte=1"`
	BudgetPaise int64   `json:"budgetPaise" validate:"gte=0"`
	Lat         float64 `json:"lat" validate:"latitude"`
	Lng         float64 `json:"lng" validate:"longitude"`
	AddressText *string `json:"addressText,omitempty"`
}

type CreateTaskResult struct {
	TaskID    string   `json:"taskId"`
	OfferedTo []string `json:"offeredTo"`
}

// Offer is a live task offer pushed to a helper.
type Offer struct {
	HelperID       string  `json:"helperId"`
	TaskID         string  `json:"taskId"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Urgency        Urgency `json:"urgency"`
	TimeMinutes    int     `json:"timeMinutes"`
	BudgetPaise    int64   `json:"budgetPaise"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	DistanceMeters float64 `json:"distanceMeters"`
}

type OTPStartResult struct {
	Phone     string  `json:"phone"`
	Sent      bool    `json:"sent"`
	DevOTP    *string `json:"devOtp,omitempty"`
	LegacyOTP *string `json:"otp,omitempty"`
}

// Code returns the echoed development code, preferring devOtp over the legacy field.
func (r OTPStartResult) Code() string {
	if r.DevOTP != nil && *r.DevOTP != "" {
		return *r.DevOTP
	}
	if r.LegacyOTP != nil {
		return *r.LegacyOTP
	}
	return ""
}

type MeProfile struct {
	ID               string  `json:"id"`
	Role             Role    `json:"role"`
	Phone            *string `json:"phone,omitempty"`
	Email            *string `json:"email,omitempty"`
	DisplayName      *string `json:"displayName,omitempty"`
	DemoBalancePaise *int64  `json:"demoBalancePaise,omitempty"`
}

type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCApproved KYCStatus = "APPROVED"
	KYCRejected KYCStatus = "REJECTED"
)

type HelperProfile struct {
	KYCStatus          KYCStatus `json:"kycStatus"`
	KYCRejectionReason *string   `json:"kycRejectionReason,omitempty"`
	KYCFullName        *string   `json:"kycFullName,omitempty"`
	KYCIDNumber        *string   `json:"kycIdNumber,omitempty"`
	KYCDocFrontURL     *string   `json:"kycDocFrontUrl,omitempty"`
	KYCDocBackURL      *string   `json:"kycDocBackUrl,omitempty"`
	KYCSelfieURL       *string   `json:"kycSelfieUrl,omitempty"`
	KYCSubmittedAt     *string   `json:"kycSubmittedAt,omitempty"`
}

type TicketCategory string

const (
	CategoryPayment      TicketCategory = "PAYMENT"
	CategorySafety       TicketCategory = "SAFETY"
	CategoryQuality      TicketCategory = "QUALITY"
	CategoryCancellation TicketCategory = "CANCELLATION"
	CategoryPricing      TicketCategory = "PRICING"
	CategoryTech         TicketCategory = "TECH"
	CategoryOther        TicketCategory = "OTHER"
)

type SupportTicket struct {
	ID            string         `json:"id"`
	Category      TicketCategory `json:"category" enum:"PAYMENT,SAFETY,QUALITY,CANCELLATION,PRICING,TECH,OTHER"`
	Subject       *string        `json:"subject,omitempty"`
	Status        string         `json:"status" enum:"OPEN,IN_PROGRESS,RESOLVED,CLOSED"`
	Priority      string         `json:"priority" enum:"LOW,NORMAL,HIGH,URGENT"`
	RelatedTaskID *string        `json:"relatedTaskId,omitempty"`
	LastMessageAt string         `json:"lastMessageAt"`
	CreatedAt     string         `json:"createdAt"`
	UpdatedAt     string         `json:"updatedAt"`
}

type SupportMessage struct {
	ID           string  `json:"id"`
	AuthorType   string  `json:"authorType" enum:"USER,ADMIN,AI"`
	AuthorUserID *string `json:"authorUserId,omitempty"`
	Message      string  `json:"message"`
	CreatedAt    string  `json:"createdAt"`
}

type SupportTicketDetail struct {
	SupportTicket
	Messages []SupportMessage `json:"messages"`
}

// TaskEvent is one entry of a task's audit log.
type TaskEvent struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	TaskID  string         `json:"taskId"`
	ActorID string         `json:"actorId"`
	Payload map[string]any `json:"payload,omitempty"`
}
