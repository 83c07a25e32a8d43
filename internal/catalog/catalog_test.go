package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "lessonvault/internal/errors"
)

func seedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	s.PutCourse(Course{ID: "course-1", Title: "Calculus I"})
	s.PutChapter(Chapter{ID: "chapter-1", CourseID: "course-1", Title: "Limits"})
	s.PutLesson(Lesson{ID: "lesson-1", ChapterID: "chapter-1", Title: "Intro", VideoAssetID: "asset-1"})
	s.PutAsset(VideoAsset{ID: "asset-1", ManifestKey: "hls/asset-1/master.m3u8", TranscodeStatus: TranscodeReady})
	s.PutEnrollment(Enrollment{LearnerID: "learner-1", CourseID: "course-1", Status: EnrollmentActive})
	return s
}

func TestCourseIDForLesson(t *testing.T) {
	s := seedStore(t)

	courseID, err := s.CourseIDForLesson("lesson-1")
	require.NoError(t, err)
	assert.Equal(t, "course-1", courseID)

	_, err = s.CourseIDForLesson("missing")
	assert.True(t, errors.Is(err, apierrors.ErrLessonNotFound))
}

func TestLessonWithoutChapter(t *testing.T) {
	s := seedStore(t)
	s.PutLesson(Lesson{ID: "orphan", ChapterID: "nope", Title: "Orphan"})

	_, err := s.CourseIDForLesson("orphan")
	assert.True(t, errors.Is(err, apierrors.ErrLessonNotFound))
}

func TestIsActivelyEnrolled(t *testing.T) {
	s := seedStore(t)

	assert.True(t, s.IsActivelyEnrolled("learner-1", "course-1"))
	assert.False(t, s.IsActivelyEnrolled("learner-1", "course-2"))
	assert.False(t, s.IsActivelyEnrolled("learner-2", "course-1"))

	// Suspended enrollment grants no access.
	s.PutEnrollment(Enrollment{LearnerID: "learner-1", CourseID: "course-1", Status: EnrollmentSuspended})
	assert.False(t, s.IsActivelyEnrolled("learner-1", "course-1"))
}

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `
courses:
  - id: course-1
    title: Calculus I
chapters:
  - id: chapter-1
    course_id: course-1
    title: Limits
lessons:
  - id: lesson-1
    chapter_id: chapter-1
    title: Intro
    video_asset_id: asset-1
assets:
  - id: asset-1
    manifest_key: hls/asset-1/master.m3u8
    transcode_status: READY
enrollments:
  - learner_id: learner-1
    course_id: course-1
    status: ACTIVE
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s := NewStore()
	require.NoError(t, s.LoadSeed(path))

	lesson, err := s.Lesson("lesson-1")
	require.NoError(t, err)
	assert.Equal(t, "asset-1", lesson.VideoAssetID)

	asset, ok := s.Asset("asset-1")
	require.True(t, ok)
	assert.Equal(t, TranscodeReady, asset.TranscodeStatus)

	assert.True(t, s.IsActivelyEnrolled("learner-1", "course-1"))
}

func TestLoadSeedMissingFile(t *testing.T) {
	s := NewStore()
	assert.NoError(t, s.LoadSeed(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadSeedRejectsInvalidEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `
assets:
  - id: asset-1
    manifest_key: hls/asset-1/master.m3u8
    transcode_status: SOMEDAY
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s := NewStore()
	err := s.LoadSeed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assets[0]")
}

func TestLoadSeedRejectsMissingIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `
courses:
  - title: No ID Here
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s := NewStore()
	err := s.LoadSeed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "courses[0]")
}
