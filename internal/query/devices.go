package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

// ErrInvalidListQuery is returned for out-of-range pagination or an unknown
// status filter; the HTTP layer maps it to 422.
var ErrInvalidListQuery = errors.New("invalid device list query")

// onlineThreshold is how recent the latest reading must be for a device to
// count as online.
const onlineThreshold = 10 * time.Minute

// Runtime status labels derived from the latest reading.
const (
	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusMaintenance = "maintenance"
)

// DeviceListItem is one row of the dashboard device list.
type DeviceListItem struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Location    string  `json:"location"`
	MAC         string  `json:"mac"`
	Status      string  `json:"status"`
	IngressType string  `json:"ingress_type"`
	LastSeen    *string `json:"last_seen"`
	Description *string `json:"description"`
}

// DeviceList is the paginated device list payload.
type DeviceList struct {
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Total    int              `json:"total"`
	Items    []DeviceListItem `json:"items"`
}

// DeviceLister serves the owner-scoped device list with runtime status.
type DeviceLister struct {
	devices  persistence.DeviceStore
	readings persistence.ReadingStore

	now func() time.Time
}

// NewDeviceLister wires a lister over the device and reading stores.
func NewDeviceLister(devices persistence.DeviceStore, readings persistence.ReadingStore) *DeviceLister {
	return &DeviceLister{
		devices:  devices,
		readings: readings,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// List returns one page of the user's devices, optionally filtered by
// runtime status. MAINTENANCE takes precedence over the online threshold.
func (l *DeviceLister) List(ctx context.Context, userID uuid.UUID, page, pageSize int, statusFilter string) (*DeviceList, error) {
	if page < 1 {
		return nil, fmt.Errorf("page must be >= 1: %w", ErrInvalidListQuery)
	}
	if pageSize < 1 || pageSize > 100 {
		return nil, fmt.Errorf("page_size must be in [1, 100]: %w", ErrInvalidListQuery)
	}
	switch statusFilter {
	case "", "all", StatusOnline, StatusOffline, StatusMaintenance:
	default:
		return nil, fmt.Errorf("unknown status %q: %w", statusFilter, ErrInvalidListQuery)
	}

	devices, err := l.devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	lastSeen, err := l.readings.LastSeen(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := l.now()
	items := make([]DeviceListItem, 0, len(devices))
	for _, d := range devices {
		seen, hasSeen := lastSeen[d.ID]
		status := deriveStatus(d, seen, hasSeen, now)
		if statusFilter != "" && statusFilter != "all" && status != statusFilter {
			continue
		}

		item := DeviceListItem{
			ID:          d.ID.String(),
			Name:        d.Name,
			Location:    d.Location,
			MAC:         d.MAC,
			Status:      status,
			IngressType: d.IngressType.String(),
		}
		if hasSeen {
			s := formatUTC(seen)
			item.LastSeen = &s
		}
		if d.Description.Valid {
			desc := d.Description.String
			item.Description = &desc
		}
		items = append(items, item)
	}

	total := len(items)
	from := (page - 1) * pageSize
	if from > total {
		from = total
	}
	to := from + pageSize
	if to > total {
		to = total
	}

	return &DeviceList{
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		Items:    items[from:to],
	}, nil
}

func deriveStatus(device models.Device, seen time.Time, hasSeen bool, now time.Time) string {
	if device.Status == models.StatusDisabled || !device.CollectEnabled {
		return StatusMaintenance
	}
	if hasSeen && now.Sub(seen) <= onlineThreshold {
		return StatusOnline
	}
	return StatusOffline
}
