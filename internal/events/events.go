package events

import (
	"context"
	"sync"
	"time"

	"prize-wheel-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventReservationCreated is emitted when a spin reserves a prize
	EventReservationCreated EventType = "reservation.created"
	// EventAwardFinalized is emitted when a reservation is finalized into an award
	EventAwardFinalized EventType = "award.finalized"
	// EventInventoryReplenished is emitted on an admin replenish or reset
	EventInventoryReplenished EventType = "inventory.replenished"
	// EventCatalogImported is emitted when the prize catalog is replaced
	EventCatalogImported EventType = "catalog.imported"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// ReservationCreatedData contains data for reservation created events.
type ReservationCreatedData struct {
	Reservation models.Reservation
	PrizeName   string
}

// AwardFinalizedData contains data for award finalized events.
type AwardFinalizedData struct {
	Win   models.WinRecord
	Prize models.PrizeView
}

// InventoryReplenishedData contains data for inventory mutation events.
type InventoryReplenishedData struct {
	PrizeID  int
	Date     string
	Quantity int
	Reset    bool
}

// CatalogImportedData contains data for catalog import events.
type CatalogImportedData struct {
	PrizeCount    int
	InventoryRows int
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if !m.enabled {
		return
	}

	m.mu.RLock()
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Execute handlers asynchronously to avoid blocking the spin path
	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				_ = err
			}
		}(handler)
	}
}

// PublishReservationCreated publishes a reservation created event.
func (m *Manager) PublishReservationCreated(ctx context.Context, res models.Reservation, prizeName string) {
	m.Publish(ctx, EventReservationCreated, ReservationCreatedData{
		Reservation: res,
		PrizeName:   prizeName,
	})
}

// PublishAwardFinalized publishes an award finalized event.
func (m *Manager) PublishAwardFinalized(ctx context.Context, win models.WinRecord, prize models.PrizeView) {
	m.Publish(ctx, EventAwardFinalized, AwardFinalizedData{
		Win:   win,
		Prize: prize,
	})
}

// PublishInventoryReplenished publishes an inventory mutation event.
func (m *Manager) PublishInventoryReplenished(ctx context.Context, prizeID int, date string, quantity int, reset bool) {
	m.Publish(ctx, EventInventoryReplenished, InventoryReplenishedData{
		PrizeID:  prizeID,
		Date:     date,
		Quantity: quantity,
		Reset:    reset,
	})
}

// PublishCatalogImported publishes a catalog import event.
func (m *Manager) PublishCatalogImported(ctx context.Context, prizeCount, inventoryRows int) {
	m.Publish(ctx, EventCatalogImported, CatalogImportedData{
		PrizeCount:    prizeCount,
		InventoryRows: inventoryRows,
	})
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
