// Package catalog holds the course/lesson/enrollment records the grant
// issuer consults. Record management itself is a collaborator concern; this
// package only exposes the read surface playback needs, plus seeding for
// startup and tests.
package catalog

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	apierrors "lessonvault/internal/errors"
)

var seedValidator = validator.New()

// TranscodeStatus tracks the video pipeline state of an asset. Only READY
// assets are playable.
type TranscodeStatus string

const (
	TranscodePending    TranscodeStatus = "PENDING"
	TranscodeProcessing TranscodeStatus = "PROCESSING"
	TranscodeReady      TranscodeStatus = "READY"
	TranscodeFailed     TranscodeStatus = "FAILED"
)

// EnrollmentStatus tracks whether an enrollment grants access.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "ACTIVE"
	EnrollmentSuspended EnrollmentStatus = "SUSPENDED"
	EnrollmentCancelled EnrollmentStatus = "CANCELLED"
)

// Course represents a published course.
type Course struct {
	ID    string `yaml:"id" validate:"required"`
	Title string `yaml:"title" validate:"required"`
}

// Chapter groups lessons inside a course.
type Chapter struct {
	ID       string `yaml:"id" validate:"required"`
	CourseID string `yaml:"course_id" validate:"required"`
	Title    string `yaml:"title" validate:"required"`
}

// Lesson is a single video lesson. VideoAssetID is empty until an asset
// has been attached by the video pipeline.
type Lesson struct {
	ID           string `yaml:"id" validate:"required"`
	ChapterID    string `yaml:"chapter_id" validate:"required"`
	Title        string `yaml:"title" validate:"required"`
	VideoAssetID string `yaml:"video_asset_id"`
}

// VideoAsset is the playable artifact produced by the transcoding pipeline.
// ManifestKey is the opaque locator of the HLS manifest; resolving it to a
// URL is the grant issuer's concern.
type VideoAsset struct {
	ID              string          `yaml:"id" validate:"required"`
	ManifestKey     string          `yaml:"manifest_key" validate:"required"`
	TranscodeStatus TranscodeStatus `yaml:"transcode_status" validate:"required,oneof=PENDING PROCESSING READY FAILED"`
}

// Enrollment links a learner to a course.
type Enrollment struct {
	LearnerID string           `yaml:"learner_id" validate:"required"`
	CourseID  string           `yaml:"course_id" validate:"required"`
	Status    EnrollmentStatus `yaml:"status" validate:"required,oneof=ACTIVE SUSPENDED CANCELLED"`
}

// Store is an in-memory catalog. All reads tolerate concurrent writers.
type Store struct {
	mu          sync.RWMutex
	courses     map[string]Course
	chapters    map[string]Chapter
	lessons     map[string]Lesson
	assets      map[string]VideoAsset
	enrollments map[string]map[string]EnrollmentStatus // learnerID -> courseID -> status
}

// NewStore creates an empty catalog store.
func NewStore() *Store {
	return &Store{
		courses:     make(map[string]Course),
		chapters:    make(map[string]Chapter),
		lessons:     make(map[string]Lesson),
		assets:      make(map[string]VideoAsset),
		enrollments: make(map[string]map[string]EnrollmentStatus),
	}
}

// seedFile is the on-disk YAML shape consumed by LoadSeed.
type seedFile struct {
	Courses     []Course     `yaml:"courses"`
	Chapters    []Chapter    `yaml:"chapters"`
	Lessons     []Lesson     `yaml:"lessons"`
	Assets      []VideoAsset `yaml:"assets"`
	Enrollments []Enrollment `yaml:"enrollments"`
}

// LoadSeed populates the store from a YAML seed file. Missing file is not
// an error; the service starts with an empty catalog.
func (s *Store) LoadSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read catalog seed: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse catalog seed: %w", err)
	}

	if err := validateSeed(&seed); err != nil {
		return fmt.Errorf("invalid catalog seed: %w", err)
	}

	for _, c := range seed.Courses {
		s.PutCourse(c)
	}
	for _, ch := range seed.Chapters {
		s.PutChapter(ch)
	}
	for _, l := range seed.Lessons {
		s.PutLesson(l)
	}
	for _, a := range seed.Assets {
		s.PutAsset(a)
	}
	for _, e := range seed.Enrollments {
		s.PutEnrollment(e)
	}

	return nil
}

func validateSeed(seed *seedFile) error {
	for i, c := range seed.Courses {
		if err := seedValidator.Struct(c); err != nil {
			return fmt.Errorf("courses[%d]: %w", i, err)
		}
	}
	for i, ch := range seed.Chapters {
		if err := seedValidator.Struct(ch); err != nil {
			return fmt.Errorf("chapters[%d]: %w", i, err)
		}
	}
	for i, l := range seed.Lessons {
		if err := seedValidator.Struct(l); err != nil {
			return fmt.Errorf("lessons[%d]: %w", i, err)
		}
	}
	for i, a := range seed.Assets {
		if err := seedValidator.Struct(a); err != nil {
			return fmt.Errorf("assets[%d]: %w", i, err)
		}
	}
	for i, e := range seed.Enrollments {
		if err := seedValidator.Struct(e); err != nil {
			return fmt.Errorf("enrollments[%d]: %w", i, err)
		}
	}
	return nil
}

// PutCourse adds or replaces a course.
func (s *Store) PutCourse(c Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
}

// PutChapter adds or replaces a chapter.
func (s *Store) PutChapter(c Chapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chapters[c.ID] = c
}

// PutLesson adds or replaces a lesson.
func (s *Store) PutLesson(l Lesson) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lessons[l.ID] = l
}

// PutAsset adds or replaces a video asset.
func (s *Store) PutAsset(a VideoAsset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = a
}

// PutEnrollment adds or replaces an enrollment.
func (s *Store) PutEnrollment(e Enrollment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCourse, ok := s.enrollments[e.LearnerID]
	if !ok {
		byCourse = make(map[string]EnrollmentStatus)
		s.enrollments[e.LearnerID] = byCourse
	}
	byCourse[e.CourseID] = e.Status
}

// Lesson returns the lesson with the given ID.
func (s *Store) Lesson(id string) (Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lessons[id]
	if !ok {
		return Lesson{}, fmt.Errorf("lesson %s: %w", id, apierrors.ErrLessonNotFound)
	}
	return l, nil
}

// CourseIDForLesson resolves a lesson to its owning course via the chapter
// association.
func (s *Store) CourseIDForLesson(lessonID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lessons[lessonID]
	if !ok {
		return "", fmt.Errorf("lesson %s: %w", lessonID, apierrors.ErrLessonNotFound)
	}

	ch, ok := s.chapters[l.ChapterID]
	if !ok {
		return "", fmt.Errorf("lesson %s has no chapter association: %w", lessonID, apierrors.ErrLessonNotFound)
	}

	return ch.CourseID, nil
}

// Asset returns the video asset with the given ID.
func (s *Store) Asset(id string) (VideoAsset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	return a, ok
}

// IsActivelyEnrolled reports whether the learner holds an ACTIVE enrollment
// in the course.
func (s *Store) IsActivelyEnrolled(learnerID, courseID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCourse, ok := s.enrollments[learnerID]
	if !ok {
		return false
	}
	return byCourse[courseID] == EnrollmentActive
}
