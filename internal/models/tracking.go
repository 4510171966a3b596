package models

import "time"

// Канонические статусы пайплайна доставки (порядок важен).
const (
	StatusPending        = "pending"
	StatusConfirmed      = "confirmed"
	StatusAvailable      = "available"
	StatusAssigned       = "assigned"
	StatusPickedUp       = "picked_up"
	StatusOutForDelivery = "out_for_delivery"
	StatusDelivered      = "delivered"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
)

const (
	KindOrder  = "order"
	KindErrand = "errand"
)

const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleRunner = "runner"
)

const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

var pipelineRank = map[string]int{
	StatusPending:        0,
	StatusConfirmed:      1,
	StatusAvailable:      2,
	StatusAssigned:       3,
	StatusPickedUp:       4,
	StatusOutForDelivery: 5,
	StatusDelivered:      6,
	StatusCompleted:      7,
}

// Легаси-алиасы из старых экранов. Только для нормализации отображения,
// внутри машины состояний они не существуют.
var statusAliases = map[string]string{
	"inprogress": StatusOutForDelivery,
	"ontheway":   StatusOutForDelivery,
	"accepted":   StatusAssigned,
	"pickedup":   StatusPickedUp,
}

// CanonicalStatus maps a raw status string (including legacy aliases) to its
// pipeline status. ok=false means the string is not recognized at all.
func CanonicalStatus(raw string) (string, bool) {
	if _, found := pipelineRank[raw]; found {
		return raw, true
	}
	if raw == StatusCancelled {
		return raw, true
	}
	if c, found := statusAliases[raw]; found {
		return c, true
	}
	return raw, false
}

func PipelineRank(status string) (int, bool) {
	r, ok := pipelineRank[status]
	return r, ok
}

func IsTerminalStatus(status string) bool {
	return status == StatusDelivered || status == StatusCompleted || status == StatusCancelled
}

// NextStatusAllowed reports whether next is a legal transition from cur:
// the immediate next pipeline step, or cancelled from any non-terminal state.
func NextStatusAllowed(cur, next string) bool {
	if next == StatusCancelled {
		return !IsTerminalStatus(cur)
	}
	curRank, ok := pipelineRank[cur]
	if !ok {
		return false
	}
	nextRank, ok := pipelineRank[next]
	if !ok {
		return false
	}
	return nextRank == curRank+1
}

type TrackingSubject struct {
	ID   string
	Kind string
}

func (s TrackingSubject) Key() string {
	return s.Kind + ":" + s.ID
}

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type RunnerPosition struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
}

func (p RunnerPosition) Point() GeoPoint {
	return GeoPoint{Latitude: p.Latitude, Longitude: p.Longitude}
}

type StatusEntry struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
}

type Party struct {
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Phone     *string `json:"phone,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p Party) Point() GeoPoint {
	return GeoPoint{Latitude: p.Latitude, Longitude: p.Longitude}
}

// Document — нормализованный снапшот документа orders/errands.
// За пределы applySnapshot нетипизированные поля не выходят.
type Document struct {
	Subject     TrackingSubject
	OrderNumber string

	Status    string // canonical pipeline status
	StatusRaw string // as observed in the document, aliases preserved

	CreatedAt *time.Time
	UpdatedAt *time.Time

	RunnerID     string
	RunnerName   string
	RunnerPhone  string
	RunnerAvatar string
	RunnerRating float64

	RunnerLocation     *RunnerPosition
	LastLocationUpdate *time.Time

	Store    *Party
	Customer *Party

	StatusHistory []StatusEntry
	Tracking      map[string]bool

	Deleted bool
}

type DerivedFields struct {
	DistanceKm   float64 `json:"distanceKm"`
	EtaLabel     string  `json:"etaLabel"`
	ElapsedLabel string  `json:"elapsedLabel"`
}

type OrderFields struct {
	OrderNumber  string     `json:"orderNumber,omitempty"`
	RunnerID     string     `json:"runnerId,omitempty"`
	RunnerName   string     `json:"runnerName,omitempty"`
	RunnerPhone  string     `json:"runnerPhone,omitempty"`
	RunnerAvatar string     `json:"runnerAvatar,omitempty"`
	RunnerRating float64    `json:"runnerRating,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
}

// TrackingView — сведённое состояние одной сессии трекинга.
// Derived пересчитывается на каждом изменении входов и никуда не пишется.
type TrackingView struct {
	Subject TrackingSubject `json:"subject"`

	Status        string        `json:"status"`
	StatusRaw     string        `json:"statusRaw,omitempty"`
	StatusHistory []StatusEntry `json:"statusHistory"`

	RunnerPosition *RunnerPosition `json:"runnerPosition,omitempty"`
	OwnPosition    *GeoPoint       `json:"ownPosition,omitempty"`

	StoreLocation    *GeoPoint `json:"storeLocation,omitempty"`
	DeliveryLocation *GeoPoint `json:"deliveryLocation,omitempty"`

	LastRunnerUpdateAt *time.Time `json:"lastRunnerUpdateAt,omitempty"`

	Route []GeoPoint `json:"route,omitempty"`

	Derived    DerivedFields `json:"derived"`
	Connection string        `json:"connectionState"`
	NotFound   bool          `json:"notFound,omitempty"`

	Order OrderFields `json:"orderFields"`
}

// Clone возвращает копию view с отвязанными слайсами, безопасную для
// чтения презентационным слоем.
func (v TrackingView) Clone() TrackingView {
	out := v
	if v.StatusHistory != nil {
		out.StatusHistory = append([]StatusEntry(nil), v.StatusHistory...)
	}
	if v.Route != nil {
		out.Route = append([]GeoPoint(nil), v.Route...)
	}
	if v.RunnerPosition != nil {
		p := *v.RunnerPosition
		out.RunnerPosition = &p
	}
	if v.OwnPosition != nil {
		p := *v.OwnPosition
		out.OwnPosition = &p
	}
	if v.StoreLocation != nil {
		p := *v.StoreLocation
		out.StoreLocation = &p
	}
	if v.DeliveryLocation != nil {
		p := *v.DeliveryLocation
		out.DeliveryLocation = &p
	}
	if v.LastRunnerUpdateAt != nil {
		t := *v.LastRunnerUpdateAt
		out.LastRunnerUpdateAt = &t
	}
	return out
}
