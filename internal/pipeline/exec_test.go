package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/propertyreel/backend/internal/blobstore"
	"github.com/propertyreel/backend/internal/clients/runway"
	"github.com/propertyreel/backend/internal/config"
	"github.com/propertyreel/backend/internal/joberr"
	"github.com/propertyreel/backend/internal/media"
	"github.com/propertyreel/backend/internal/services"
	"github.com/propertyreel/backend/internal/templates"
	"github.com/propertyreel/backend/internal/types"
	"github.com/propertyreel/backend/internal/vision"
)

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (f *fakeBlobStore) Upload(_ context.Context, body io.Reader, key, _ string) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.objects[key] = raw
	f.mu.Unlock()
	return f.URLFromKey(key), nil
}

func (f *fakeBlobStore) UploadFile(_ context.Context, localPath, key, _ string) (string, error) {
	raw, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.objects[key] = raw
	f.mu.Unlock()
	return f.URLFromKey(key), nil
}

func (f *fakeBlobStore) Download(_ context.Context, key, localPath string) error {
	f.mu.Lock()
	raw, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return blobstore.ErrNotFound
	}
	return os.WriteFile(localPath, raw, 0o644)
}

func (f *fakeBlobStore) Head(_ context.Context, key string) (*blobstore.ObjectInfo, error) {
	f.mu.Lock()
	raw, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return &blobstore.ObjectInfo{Size: int64(len(raw)), ContentType: "video/mp4"}, nil
}

func (f *fakeBlobStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.objects, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeBlobStore) Move(_ context.Context, oldKey, newKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[oldKey]
	if !ok {
		return blobstore.ErrNotFound
	}
	f.objects[newKey] = raw
	delete(f.objects, oldKey)
	return nil
}

func (f *fakeBlobStore) KeyFromURL(url string) (string, error) {
	return blobstore.ParseKey(url, "test-bucket")
}

func (f *fakeBlobStore) URLFromKey(key string) string {
	return "https://test-bucket.s3.us-east-1.amazonaws.com/" + key
}

type fakeMuxer struct {
	duration float64
}

func (f *fakeMuxer) AssertReady(context.Context) error { return nil }

func (f *fakeMuxer) Stitch(_ context.Context, _ []media.StitchClip, outputPath string, _ media.StitchOptions) error {
	return os.WriteFile(outputPath, []byte("stitched"), 0o644)
}

func (f *fakeMuxer) GetDuration(context.Context, string) (float64, error) {
	return f.duration, nil
}

func (f *fakeMuxer) ValidateIntegrity(context.Context, string) error { return nil }

func (f *fakeMuxer) GetMetadata(context.Context, string) (*media.Metadata, error) {
	return &media.Metadata{HasVideo: true, Width: 768, Height: 1280, Duration: f.duration}, nil
}

func (f *fakeMuxer) ValidateMusicFile(context.Context, string) error { return nil }

type fakeCropper struct{}

func (fakeCropper) ProcessImage(_ context.Context, inputPath, outputPath string) (vision.CropWindow, error) {
	raw, err := os.ReadFile(inputPath)
	if err != nil {
		return vision.CropWindow{}, err
	}
	return vision.CropWindow{W: 768, H: 1280}, os.WriteFile(outputPath, raw, 0o644)
}

func (fakeCropper) AnalyzeBestCrop(image.Image) vision.CropWindow { return vision.CropWindow{} }

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

type fakeMapClient struct{}

func (fakeMapClient) Produce(context.Context, types.Coordinates, uuid.UUID) (string, error) {
	return "", fmt.Errorf("map renderer offline")
}

func (fakeMapClient) HealthCheck(context.Context) error { return nil }

type fakeAssetRepo struct {
	mu    sync.Mutex
	byKey map[string]*types.ProcessedAsset
}

func newFakeAssetRepo() *fakeAssetRepo {
	return &fakeAssetRepo{byKey: make(map[string]*types.ProcessedAsset)}
}

func (f *fakeAssetRepo) GetByCacheKey(_ context.Context, _ *gorm.DB, cacheKey string) (*types.ProcessedAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.byKey[cacheKey]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeAssetRepo) Upsert(_ context.Context, _ *gorm.DB, asset *types.ProcessedAsset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	copied := *asset
	f.byKey[asset.CacheKey] = &copied
	return nil
}

func (f *fakeAssetRepo) Touch(_ context.Context, _ *gorm.DB, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byKey {
		if a.ID == id {
			a.AccessCount++
			a.LastAccessed = at
		}
	}
	return nil
}

func (f *fakeAssetRepo) Delete(_ context.Context, _ *gorm.DB, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, a := range f.byKey {
		if a.ID == id {
			delete(f.byKey, key)
		}
	}
	return nil
}

func (f *fakeAssetRepo) DeleteExpired(_ context.Context, _ *gorm.DB, _ time.Time, _, _ time.Duration, _ int, _ time.Duration) (int64, error) {
	return 0, nil
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
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
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

type fakeJobRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*types.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{rows: make(map[uuid.UUID]*types.Job)}
}

func (f *fakeJobRepo) Create(_ context.Context, _ *gorm.DB, job *types.Job) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[job.ID] = job
	return job, nil
}

func (f *fakeJobRepo) GetByID(_ context.Context, _ *gorm.DB, id uuid.UUID) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}

func (f *fakeJobRepo) ResolveListingID(_ context.Context, _ *gorm.DB, jobID uuid.UUID) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[jobID]; ok {
		return row.ListingID, nil
	}
	return uuid.Nil, fmt.Errorf("job %s not found", jobID)
}

func (f *fakeJobRepo) UpdateFields(context.Context, *gorm.DB, uuid.UUID, map[string]interface{}) error {
	return nil
}

func (f *fakeJobRepo) UpdateFieldsUnlessStatus(context.Context, *gorm.DB, uuid.UUID, []string, map[string]interface{}) (bool, error) {
	return true, nil
}

func (f *fakeJobRepo) ClaimNextRunnable(context.Context, *gorm.DB, int, time.Duration, time.Duration) (*types.Job, error) {
	return nil, nil
}

func (f *fakeJobRepo) Heartbeat(context.Context, *gorm.DB, uuid.UUID) error { return nil }

type fakeLockRepo struct{}

func (fakeLockRepo) ListActive(context.Context, *gorm.DB, uuid.UUID, time.Time) ([]*types.ListingLock, error) {
	return nil, nil
}

func (fakeLockRepo) Create(context.Context, *gorm.DB, *types.ListingLock) error { return nil }

func (fakeLockRepo) DeleteExpired(context.Context, *gorm.DB, uuid.UUID, time.Time) (int64, error) {
	return 0, nil
}

func (fakeLockRepo) Delete(context.Context, *gorm.DB, uuid.UUID, uuid.UUID, string) error {
	return nil
}

type progressRecorder struct {
	mu     sync.Mutex
	events []progressEvent
}

type progressEvent struct {
	stage   string
	percent int
}

func (r *progressRecorder) Progress(_ context.Context, stage string, percent int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, progressEvent{stage: stage, percent: percent})
}

func (r *progressRecorder) maxPercent(stage string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := -1
	for _, ev := range r.events {
		if ev.stage == stage && ev.percent > max {
			max = ev.percent
		}
	}
	return max
}

type harness struct {
	blobs  *fakeBlobStore
	muxer  *fakeMuxer
	runway *fakeRunwayClient
	photos *fakePhotoRepo
	jobs   *fakeJobRepo
	pipe   *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := batchLogger(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("clipbytes"))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{
		BatchSizeDefault:       2,
		BatchSizeMin:           1,
		MemoryWarnFrac:         0.98,
		MemoryCritFrac:         0.99,
		MaxRetries:             1,
		MaxMotionRetries:       1,
		InitialRetryDelay:      time.Millisecond,
		MaxRetryDelay:          5 * time.Millisecond,
		LockTimeout:            time.Minute,
		LockAcquireRetries:     1,
		ValidationCacheTTL:     time.Minute,
		CacheTTLNormal:         time.Hour,
		CacheTTLFrequent:       time.Hour,
		CacheFrequentThreshold: 5,
		CacheFrequentWindow:    time.Hour,
		MotionPollInterval:     time.Millisecond,
		MotionPollTimeout:      time.Second,
		MapAttemptTimeout:      time.Second,
		MotionPromptText:       "Move forward slowly",
		MotionDurationSeconds:  5,
		MotionRatio:            "768:1280",
		WatermarkOpacity:       0.5,
	}

	blobs := newFakeBlobStore()
	muxer := &fakeMuxer{duration: 5}
	photos := newFakePhotoRepo()
	jobs := newFakeJobRepo()
	rw := &fakeRunwayClient{output: srv.URL + "/clip.mp4"}

	cache := services.NewAssetCache(newFakeAssetRepo(), cfg, log)
	validator := services.NewClipValidator(blobs, muxer, cfg.ValidationCacheTTL, log)
	locker := services.NewListingLocker(fakeLockRepo{}, cfg.LockTimeout, cfg.LockAcquireRetries, log)
	motion := services.NewMotionClipProvider(rw, blobs, cache, photos, cfg, log)
	mapclip := services.NewMapClipProvider(fakeMapClient{}, blobs, cache, cfg, log)

	pipe := New(cfg, templates.NewCatalog(), blobs, muxer, fakeCropper{}, motion, mapclip, validator, locker, jobs, photos, log)
	return &harness{blobs: blobs, muxer: muxer, runway: rw, photos: photos, jobs: jobs, pipe: pipe}
}

func (h *harness) seedOriginal(key string) string {
	h.blobs.mu.Lock()
	h.blobs.objects[key] = []byte("jpegbytes")
	h.blobs.mu.Unlock()
	return h.blobs.URLFromKey(key)
}

func TestExecuteFullRun(t *testing.T) {
	h := newHarness(t)
	listingID := uuid.New()
	jobID := uuid.New()
	h.jobs.rows[jobID] = &types.Job{ID: jobID, ListingID: listingID, UserID: uuid.New(), TemplateDefault: "crescendo"}

	inputs := []string{
		h.seedOriginal("properties/" + listingID.String() + "/images/original/0.jpg"),
		h.seedOriginal("properties/" + listingID.String() + "/images/original/1.jpg"),
	}

	rec := &progressRecorder{}
	// ListingID is left nil so it resolves from the job row.
	res, err := h.pipe.Execute(context.Background(), Input{
		JobID:      jobID,
		UserID:     uuid.New(),
		InputFiles: inputs,
		Template:   "crescendo",
	}, rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantURL := h.blobs.URLFromKey(fmt.Sprintf("properties/%s/videos/templates/%s/crescendo.mp4", listingID, jobID))
	if res.OutputURL != wantURL {
		t.Fatalf("output url = %q, want %q", res.OutputURL, wantURL)
	}
	if len(res.ProcessedTemplates) != 1 || res.ProcessedTemplates[0].Key != "crescendo" {
		t.Fatalf("unexpected processed templates %+v", res.ProcessedTemplates)
	}
	if h.runway.createCalls() != 2 {
		t.Fatalf("expected one model call per photo, got %d", h.runway.createCalls())
	}

	rows, _ := h.photos.GetByListing(context.Background(), nil, listingID)
	for _, row := range rows {
		if row.RunwayVideoPath == "" {
			t.Fatalf("photo %d has no persisted clip url", row.Order)
		}
	}
	if got := rec.maxPercent("template"); got != 90 {
		t.Fatalf("template progress topped out at %d, want 90", got)
	}
}

func TestExecuteDropsMapTemplateWithoutStalling(t *testing.T) {
	h := newHarness(t)
	listingID := uuid.New()
	jobID := uuid.New()

	inputs := []string{
		h.seedOriginal("properties/" + listingID.String() + "/images/original/0.jpg"),
		h.seedOriginal("properties/" + listingID.String() + "/images/original/1.jpg"),
	}

	rec := &progressRecorder{}
	// No coordinates: the map template cannot render and must be dropped.
	res, err := h.pipe.Execute(context.Background(), Input{
		JobID:      jobID,
		ListingID:  listingID,
		UserID:     uuid.New(),
		InputFiles: inputs,
		Template:   "crescendo",
		Templates:  []string{"crescendo", "googlezoomintro"},
	}, rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.ProcessedTemplates) != 1 || res.ProcessedTemplates[0].Key != "crescendo" {
		t.Fatalf("unexpected processed templates %+v", res.ProcessedTemplates)
	}
	// Progress divides by the submitted count, not the requested count, so
	// the surviving template still reaches 90.
	if got := rec.maxPercent("template"); got != 90 {
		t.Fatalf("template progress topped out at %d, want 90", got)
	}
}

// Regeneration must re-invoke the model for the targeted photo even though the
// asset cache still holds its previous clip.
func TestRegeneratePhotosReinvokesModel(t *testing.T) {
	h := newHarness(t)
	listingID := uuid.New()
	jobID := uuid.New()
	h.jobs.rows[jobID] = &types.Job{ID: jobID, ListingID: listingID, UserID: uuid.New(), TemplateDefault: "crescendo"}

	inputs := []string{
		h.seedOriginal("properties/" + listingID.String() + "/images/original/0.jpg"),
		h.seedOriginal("properties/" + listingID.String() + "/images/original/1.jpg"),
	}
	if _, err := h.pipe.Execute(context.Background(), Input{
		JobID:      jobID,
		ListingID:  listingID,
		UserID:     uuid.New(),
		InputFiles: inputs,
		Template:   "crescendo",
	}, nil); err != nil {
		t.Fatalf("seed Execute: %v", err)
	}
	if h.runway.createCalls() != 2 {
		t.Fatalf("seed run should make 2 model calls, got %d", h.runway.createCalls())
	}

	rows, _ := h.photos.GetByListing(context.Background(), nil, listingID)
	target := rows[0]

	res, err := h.pipe.RegeneratePhotos(context.Background(), jobID, []uuid.UUID{target.ID}, nil)
	if err != nil {
		t.Fatalf("RegeneratePhotos: %v", err)
	}
	if res == nil || res.OutputURL == "" {
		t.Fatal("regeneration produced no output")
	}
	if h.runway.createCalls() != 3 {
		t.Fatalf("regeneration should re-invoke the model once, got %d total calls", h.runway.createCalls())
	}
}

func TestRegeneratePhotosRejectsUnknownIDs(t *testing.T) {
	h := newHarness(t)
	listingID := uuid.New()
	jobID := uuid.New()
	h.jobs.rows[jobID] = &types.Job{ID: jobID, ListingID: listingID, TemplateDefault: "crescendo"}

	_, err := h.pipe.RegeneratePhotos(context.Background(), jobID, []uuid.UUID{uuid.New()}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown photo id")
	}
	if kind := joberr.KindOf(err); kind != joberr.KindInputInvalid {
		t.Fatalf("expected INPUT_INVALID, got %s", kind)
	}
}

// A persisted clip whose blob is gone must be regenerated, not reused.
func TestExecuteRegeneratesInvalidPersistedClip(t *testing.T) {
	h := newHarness(t)
	listingID := uuid.New()
	jobID := uuid.New()

	url0 := h.seedOriginal("properties/" + listingID.String() + "/images/original/0.jpg")
	url1 := h.seedOriginal("properties/" + listingID.String() + "/images/original/1.jpg")

	// Photo 0's recorded clip points at a blob that no longer exists; photo
	// 1's clip is intact.
	goodKey := "properties/" + listingID.String() + "/videos/runway/old/1.mp4"
	h.blobs.mu.Lock()
	h.blobs.objects[goodKey] = []byte("clipbytes")
	h.blobs.mu.Unlock()

	p0 := &types.Photo{ID: uuid.New(), ListingID: listingID, Order: 0, FilePath: url0,
		RunwayVideoPath: h.blobs.URLFromKey("properties/" + listingID.String() + "/videos/runway/old/0.mp4")}
	p1 := &types.Photo{ID: uuid.New(), ListingID: listingID, Order: 1, FilePath: url1,
		RunwayVideoPath: h.blobs.URLFromKey(goodKey)}
	h.photos.rows[p0.ID] = p0
	h.photos.rows[p1.ID] = p1

	_, err := h.pipe.Execute(context.Background(), Input{
		JobID:              jobID,
		ListingID:          listingID,
		UserID:             uuid.New(),
		InputFiles:         []string{url0, url1},
		Template:           "crescendo",
		SkipMotionIfCached: true,
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if h.runway.createCalls() != 1 {
		t.Fatalf("only the invalid clip should regenerate, got %d model calls", h.runway.createCalls())
	}
	if p1.RunwayVideoPath != h.blobs.URLFromKey(goodKey) {
		t.Fatalf("valid clip should be reused, got %q", p1.RunwayVideoPath)
	}
}

// A generated clip that fails validation fails the job with MOTION_FAILED
// instead of completing with a corrupt clip on record.
func TestExecuteFailsWhenGeneratedClipInvalid(t *testing.T) {
	h := newHarness(t)
	h.muxer.duration = 0

	listingID := uuid.New()
	inputs := []string{
		h.seedOriginal("properties/" + listingID.String() + "/images/original/0.jpg"),
	}

	_, err := h.pipe.Execute(context.Background(), Input{
		JobID:      uuid.New(),
		ListingID:  listingID,
		UserID:     uuid.New(),
		InputFiles: inputs,
		Template:   "crescendo",
	}, nil)
	if err == nil {
		t.Fatal("expected the job to fail")
	}
	if kind := joberr.KindOf(err); kind != joberr.KindMotionFailed {
		t.Fatalf("expected MOTION_FAILED, got %s (%v)", kind, err)
	}
}
