package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/models"
)

// DefaultLabels mirrors the seed in migrations/00001_init.sql.
var DefaultLabels = []models.LabelMetadata{
	{LabelID: "good_posture", Name: "Good posture", Description: "Back straight, head upright", Recommendation: "Keep it up, this is great!", SeverityLevel: 0},
	{LabelID: "bad_sitting_forward", Name: "Hunched forward", Description: "Back curved forward, loading the spine", Recommendation: "Sit up straight against the backrest and bring the screen to eye level", SeverityLevel: 3},
	{LabelID: "bad_sitting_backward", Name: "Leaning too far back", Description: "Reclined too far for the backrest to support the spine", Recommendation: "Keep your back against the backrest at about 100-110 degrees", SeverityLevel: 2},
	{LabelID: "leaning_left_side", Name: "Leaning left", Description: "Weight shifted to the left, uneven load on the spine", Recommendation: "Spread your weight evenly over both hips", SeverityLevel: 2},
	{LabelID: "leaning_right_side", Name: "Leaning right", Description: "Weight shifted to the right, uneven load on the spine", Recommendation: "Spread your weight evenly over both hips", SeverityLevel: 2},
	{LabelID: "neck_right", Name: "Good neck posture", Description: "Neck straight, head level with the screen", Recommendation: "Keep your neck like this, great!", SeverityLevel: 0},
	{LabelID: "neck_wrong", Name: "Bad neck posture", Description: "Head and neck tilted forward or sideways, straining the neck", Recommendation: "Raise the screen to eye level, keep your neck straight and relax your shoulders", SeverityLevel: 4},
	{LabelID: "leg_right", Name: "Good leg posture", Description: "Feet on the floor or a footrest, knees at 90 degrees", Recommendation: "Keep your legs like this, great!", SeverityLevel: 0},
	{LabelID: "leg_wrong", Name: "Bad leg posture", Description: "Feet placed badly, loading knees and hips", Recommendation: "Adjust the chair height so your feet reach the floor, or use a footrest", SeverityLevel: 2},
}

// MemoryStore keeps everything in process. Used when DB_ENABLED=false and
// in tests.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[int64]*models.Session
	intervals map[int64]*models.PostureInterval
	labels    map[string]models.LabelMetadata
	nextSess  int64
	nextItem  int64
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions:  make(map[int64]*models.Session),
		intervals: make(map[int64]*models.PostureInterval),
		labels:    make(map[string]models.LabelMetadata, len(DefaultLabels)),
	}
	for _, l := range DefaultLabels {
		s.labels[l.LabelID] = l
	}
	return s
}

func (s *MemoryStore) CreateSession(_ context.Context, ownerID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSess++
	sess := &models.Session{ID: s.nextSess, OwnerID: ownerID, CreatedAt: time.Now()}
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) CreateInterval(_ context.Context, sessionID int64, label string, confidence float64, start time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return 0, &models.PersistenceError{Op: "create_interval", Err: fmt.Errorf("session %d: %w", sessionID, models.ErrNotFound)}
	}
	for _, iv := range s.intervals {
		if iv.SessionID == sessionID && iv.End == nil {
			return 0, &models.PersistenceError{Op: "create_interval", Err: fmt.Errorf("session %d already has open interval %d", sessionID, iv.ID)}
		}
	}
	s.nextItem++
	s.intervals[s.nextItem] = &models.PostureInterval{
		ID:                s.nextItem,
		SessionID:         sessionID,
		Label:             label,
		Confidence:        confidence,
		Start:             start,
		RecommendationRef: label,
	}
	return s.nextItem, nil
}

func (s *MemoryStore) CloseInterval(_ context.Context, id int64, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	iv, ok := s.intervals[id]
	if !ok || iv.End != nil {
		return &models.PersistenceError{Op: "close_interval", Err: fmt.Errorf("open interval %d: %w", id, models.ErrNotFound)}
	}
	iv.End = &end
	return nil
}

func (s *MemoryStore) GetLabelMetadata(_ context.Context, labelID string) (*models.LabelMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.labels[labelID]
	if !ok {
		return nil, fmt.Errorf("label %s: %w", labelID, models.ErrNotFound)
	}
	return &l, nil
}

// Intervals returns the session's intervals ordered by start.
func (s *MemoryStore) Intervals(sessionID int64) []models.PostureInterval {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PostureInterval
	for _, iv := range s.intervals {
		if iv.SessionID == sessionID {
			cp := *iv
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Sessions() []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }
