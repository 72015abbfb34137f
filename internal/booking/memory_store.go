package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"showtime-booking/internal/errs"
	"showtime-booking/internal/seatmap"
)

// MemoryStore keeps everything in process. It is the store used when no
// database is configured.
type MemoryStore struct {
	mu           sync.Mutex
	performances map[string]*Performance
	seatMaps     map[string]*seatmap.SeatMap
	bookings     map[string]*Booking
	booked       map[string]map[string]string // performance -> seat -> booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		performances: make(map[string]*Performance),
		seatMaps:     make(map[string]*seatmap.SeatMap),
		bookings:     make(map[string]*Booking),
		booked:       make(map[string]map[string]string),
	}
}

// AddPerformance registers a performance with its seat map. TotalSeats and
// AvailableSeats are derived from the map.
func (s *MemoryStore) AddPerformance(p Performance, m *seatmap.SeatMap) error {
	if err := validPerformance(p.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p.TotalSeats = len(m.Seats)
	p.AvailableSeats = len(m.Seats)
	s.performances[p.ID] = &p
	s.seatMaps[p.ID] = m
	s.booked[p.ID] = make(map[string]string)
	return nil
}

func (s *MemoryStore) SeatMap(_ context.Context, performanceID string) (*seatmap.SeatMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.seatMaps[performanceID]
	if !ok {
		return nil, &errs.NotFoundError{Resource: "performance", ID: performanceID}
	}
	return m, nil
}

func (s *MemoryStore) GetPerformance(_ context.Context, performanceID string) (*Performance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.performances[performanceID]
	if !ok {
		return nil, &errs.NotFoundError{Resource: "performance", ID: performanceID}
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPerformances(_ context.Context) ([]Performance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Performance, 0, len(s.performances))
	for _, p := range s.performances {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateBooking(_ context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.performances[b.PerformanceID]
	if !ok {
		return &errs.NotFoundError{Resource: "performance", ID: b.PerformanceID}
	}

	if prev, ok := s.bookings[b.ID]; ok {
		if prev.HolderID == b.HolderID && prev.PerformanceID == b.PerformanceID && sameSeats(prev.SeatIDs(), b.SeatIDs()) {
			return nil
		}
		return fmt.Errorf("booking %s already exists with different contents", b.ID)
	}

	booked := s.booked[b.PerformanceID]
	var conflicts []string
	for _, seat := range b.Seats {
		if _, taken := booked[seat.SeatID]; taken {
			conflicts = append(conflicts, seat.SeatID)
		}
	}
	if len(conflicts) > 0 {
		return &errs.ConflictError{Seats: conflicts}
	}

	for _, seat := range b.Seats {
		booked[seat.SeatID] = b.ID
	}
	p.AvailableSeats -= len(b.Seats)

	cp := *b
	cp.Seats = append([]Seat(nil), b.Seats...)
	s.bookings[b.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBooking(_ context.Context, bookingID string) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, &errs.NotFoundError{Resource: "booking", ID: bookingID}
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) CancelBooking(_ context.Context, bookingID, holderID string) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[bookingID]
	if !ok || b.HolderID != holderID {
		return nil, &errs.NotFoundError{Resource: "booking", ID: bookingID}
	}
	if b.Status == StatusCancelled {
		return nil, &errs.ValidationError{Reason: errs.ReasonInvalidRequest, Message: "booking is already cancelled"}
	}

	b.Status = StatusCancelled
	booked := s.booked[b.PerformanceID]
	for _, seat := range b.Seats {
		if booked[seat.SeatID] == b.ID {
			delete(booked, seat.SeatID)
		}
	}
	s.performances[b.PerformanceID].AvailableSeats += len(b.Seats)

	cp := *b
	return &cp, nil
}

func (s *MemoryStore) BookedSeats(_ context.Context, performanceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seats := make([]string, 0, len(s.booked[performanceID]))
	for id := range s.booked[performanceID] {
		seats = append(seats, id)
	}
	sort.Strings(seats)
	return seats, nil
}
