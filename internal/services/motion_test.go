package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/propertyreel/backend/internal/clients/runway"
	"github.com/propertyreel/backend/internal/config"
	"github.com/propertyreel/backend/internal/types"
)

type fakeRunwayClient struct {
	mu      sync.Mutex
	creates int
	output  string
}

func (f *fakeRunwayClient) CreateTask(context.Context, string, string, int, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return fmt.Sprintf("task-%d", f.creates), nil
}

func (f *fakeRunwayClient) GetTask(_ context.Context, taskID string) (*runway.Task, error) {
	return &runway.Task{ID: taskID, Status: runway.TaskStatusSucceeded, Output: []string{f.output}}, nil
}

func (f *fakeRunwayClient) CancelTask(context.Context, string) error { return nil }

func (f *fakeRunwayClient) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type fakePhotoRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.Photo
}

func newFakePhotoRepo() *fakePhotoRepo {
	return &fakePhotoRepo{rows: make(map[uuid.UUID]*types.Photo)}
}

func (f *fakePhotoRepo) GetByListing(_ context.Context, _ *gorm.DB, listingID uuid.UUID) ([]*types.Photo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Photo
	for _, row := range f.rows {
		if row.ListingID == listingID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakePhotoRepo) GetByIDs(_ context.Context, _ *gorm.DB, ids []uuid.UUID) ([]*types.Photo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Photo
	for _, id := range ids {
		if row, ok := f.rows[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakePhotoRepo) GetByListingOrder(_ context.Context, _ *gorm.DB, listingID uuid.UUID, order int) (*types.Photo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ListingID == listingID && row.Order == order {
			return row, nil
		}
	}
	return nil, nil
}

func (f *fakePhotoRepo) UpdateFields(_ context.Context, _ *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return fmt.Errorf("photo %s not found", id)
	}
	if v, ok := updates["runway_video_path"].(string); ok {
		row.RunwayVideoPath = v
	}
	if v, ok := updates["processed_file_path"].(string); ok {
		row.ProcessedFilePath = v
	}
	if v, ok := updates["status"].(string); ok {
		row.Status = v
	}
	return nil
}

func (f *fakePhotoRepo) UpsertByOrder(_ context.Context, _ *gorm.DB, photo *types.Photo) (*types.Photo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ListingID == photo.ListingID && row.Order == photo.Order {
			row.FilePath = photo.FilePath
			return row, nil
		}
	}
	if photo.ID == uuid.Nil {
		photo.ID = uuid.New()
	}
	f.rows[photo.ID] = photo
	return photo, nil
}

func motionTestConfig() config.Config {
	return config.Config{
		MotionPollInterval:     time.Millisecond,
		MotionPollTimeout:      time.Second,
		MotionPromptText:       "Move forward slowly",
		MotionDurationSeconds:  5,
		MotionRatio:            "768:1280",
		CacheTTLNormal:         time.Hour,
		CacheTTLFrequent:       time.Hour,
		CacheFrequentThreshold: 5,
		CacheFrequentWindow:    time.Hour,
	}
}

func TestGenerateCachesByProcessedImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("clipbytes"))
	}))
	defer srv.Close()

	blobs := newFakeBlobStore()
	client := &fakeRunwayClient{output: srv.URL + "/out.mp4"}
	photos := newFakePhotoRepo()
	cfg := motionTestConfig()
	cache := NewAssetCache(newFakeAssetRepo(), cfg, testLogger(t))
	provider := NewMotionClipProvider(client, blobs, cache, photos, cfg, testLogger(t))

	listingID := uuid.New()
	photo := &types.Photo{ID: uuid.New(), ListingID: listingID, Order: 0}
	photos.rows[photo.ID] = photo

	tracker := NewResourceTracker(testLogger(t))
	defer tracker.Cleanup(true)

	req := MotionRequest{
		JobID:        uuid.New(),
		ListingID:    listingID,
		Photo:        photo,
		ProcessedURL: blobs.URLFromKey("properties/l/images/processed/j/vision_0.webp"),
	}
	first, err := provider.Generate(context.Background(), req, tracker)
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	if client.createCalls() != 1 {
		t.Fatalf("expected 1 model call, got %d", client.createCalls())
	}
	if photo.RunwayVideoPath != first {
		t.Fatalf("clip url not persisted: %q vs %q", photo.RunwayVideoPath, first)
	}

	second, err := provider.Generate(context.Background(), req, tracker)
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if second != first {
		t.Fatalf("cache should return the same clip: %q vs %q", second, first)
	}
	if client.createCalls() != 1 {
		t.Fatalf("cached request should not re-invoke the model, got %d calls", client.createCalls())
	}
}

// A forced request must re-invoke the model even though the cache already
// holds a clip for the same processed image.
func TestGenerateForceBypassesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("clipbytes"))
	}))
	defer srv.Close()

	blobs := newFakeBlobStore()
	client := &fakeRunwayClient{output: srv.URL + "/out.mp4"}
	photos := newFakePhotoRepo()
	cfg := motionTestConfig()
	cache := NewAssetCache(newFakeAssetRepo(), cfg, testLogger(t))
	provider := NewMotionClipProvider(client, blobs, cache, photos, cfg, testLogger(t))

	listingID := uuid.New()
	photo := &types.Photo{ID: uuid.New(), ListingID: listingID, Order: 0}
	photos.rows[photo.ID] = photo

	tracker := NewResourceTracker(testLogger(t))
	defer tracker.Cleanup(true)

	req := MotionRequest{
		JobID:        uuid.New(),
		ListingID:    listingID,
		Photo:        photo,
		ProcessedURL: blobs.URLFromKey("properties/l/images/processed/j/vision_0.webp"),
	}
	if _, err := provider.Generate(context.Background(), req, tracker); err != nil {
		t.Fatalf("seed Generate: %v", err)
	}

	req.Force = true
	if _, err := provider.Generate(context.Background(), req, tracker); err != nil {
		t.Fatalf("forced Generate: %v", err)
	}
	if client.createCalls() != 2 {
		t.Fatalf("forced request should re-invoke the model, got %d calls", client.createCalls())
	}
}
