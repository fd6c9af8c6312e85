// Package scheduler is the download core: a bounded-concurrency scheduler
// that accepts chapter and bonus-item work items, dispatches them to
// per-chapter workers bounded by a resizable semaphore, fans each chapter
// out to per-image workers bounded by a second resizable semaphore,
// maintains atomic progress counters, emits a continuous stream of
// lifecycle events, decrypts each image, and hands completed chapters to
// the archiver.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/time/rate"

	"github.com/lanyeeee/mangadl-go/internal/archiver"
	"github.com/lanyeeee/mangadl-go/internal/config"
	"github.com/lanyeeee/mangadl-go/internal/events"
	"github.com/lanyeeee/mangadl-go/internal/imgcrypto"
	"github.com/lanyeeee/mangadl-go/internal/model"
)

// ErrBackpressureFull is returned by Submit when the bounded submission
// queue is saturated. Submit never blocks.
var ErrBackpressureFull = errors.New("scheduler: submission queue is full")

// ErrInsufficientDiskSpace aborts a chapter before any network work when the
// download root doesn't have room to plausibly hold it.
var ErrInsufficientDiskSpace = errors.New("scheduler: insufficient disk space on download root")

const submissionQueueCapacity = 32

// minFreeBytes is the floor this scheduler insists on before starting a
// chapter: below this, a typical chapter (a few MB of images) has nowhere
// to land. It is deliberately small — this is a sanity check, not a quota.
const minFreeBytes = 10 * 1024 * 1024

// APIClient is the subset of *bili.Client the scheduler drives. Kept as a
// narrow consumer-side interface so scheduler tests can supply a fake
// instead of the concrete client.
type APIClient interface {
	GetImageIndex(ctx context.Context, episodeID int64) (*model.ImageIndex, error)
	GetImageToken(ctx context.Context, paths []string) ([]model.ImageToken, error)
	GetImageBytes(ctx context.Context, url string) ([]byte, error)
}

// ConfigView is the read-only configuration snapshot interface the
// scheduler queries for download root, archive format, and concurrency
// limits.
type ConfigView interface {
	Snapshot() config.Config
}

// ChapterWork is one chapter queued for download.
type ChapterWork struct {
	Episode  model.Episode
	Comic    model.Comic
	PageInfo archiver.ComicInfo // pre-filled Title/Series for ComicInfo.xml
}

// BonusWork is one bonus/特典 gallery item queued for download. Bonus items
// carry their own direct image URLs and skip the manifest/token resolution
// chapters require.
type BonusWork struct {
	ComicTitle string
	Item       model.BonusItem
}

// WorkItem is a tagged union: exactly one of Chapter or Bonus is set.
// Immutable once built.
type WorkItem struct {
	Chapter *ChapterWork
	Bonus   *BonusWork
}

// NewChapterItem builds a WorkItem for one chapter.
func NewChapterItem(comic model.Comic, episode model.Episode) WorkItem {
	return WorkItem{Chapter: &ChapterWork{
		Episode: episode,
		Comic:   comic,
		PageInfo: archiver.ComicInfo{
			Title:  episode.Title,
			Series: comic.Title,
		},
	}}
}

// NewBonusItem builds a WorkItem for one bonus-gallery entry.
func NewBonusItem(comicTitle string, item model.BonusItem) WorkItem {
	return WorkItem{Bonus: &BonusWork{ComicTitle: comicTitle, Item: item}}
}

func (w WorkItem) id() int64 {
	if w.Chapter != nil {
		return w.Chapter.Episode.ID
	}
	return w.Bonus.Item.ID
}

func (w WorkItem) title() string {
	if w.Chapter != nil {
		return w.Chapter.Episode.Title
	}
	return w.Bonus.Item.Title
}

// Scheduler is a cheap-to-clone handle: a pointer to shared state whose
// fields are channels/atomics/mutexes, safe to pass across goroutines. The
// zero value is not usable; construct with New.
type Scheduler struct {
	s *sharedState
}

type sharedState struct {
	api APIClient
	cfg ConfigView
	bus *events.Bus
	log *slog.Logger

	queue chan WorkItem

	chapterSem *resizableSemaphore
	imageSem   *resizableSemaphore

	progress *globalProgress

	bytesThisSecond atomic.Uint64

	limiterMu sync.RWMutex
	limiter   *rate.Limiter // nil when unlimited

	itemsMu sync.Mutex
	items   map[int64]*itemControl

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// itemControl is the per-work-item handle Pause/Resume/Cancel act on: a
// derived, independently cancelable context plus a gate that blocks the
// item's image workers while paused. There is no byte-range resume state —
// a paused-then-resumed chapter simply lets its still-running image workers
// continue and its not-yet-started ones proceed; a canceled chapter ends and
// would restart its undone images from scratch if resubmitted.
type itemControl struct {
	cancel context.CancelFunc
	gate   *pauseGate
}

// pauseGate is a resettable closed-channel gate: open (closed channel) lets
// waiters through immediately, paused (fresh open channel) blocks them until
// resume closes it.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	ch     chan struct{}
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{ch: ch}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.ch = make(chan struct{})
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.ch)
	}
}

func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New builds a Scheduler and starts its dispatch loop and 1Hz speed ticker.
// ctx controls the scheduler's lifetime: cancelling it (or calling Shutdown)
// stops dispatch, closes both semaphores, and lets in-flight chapters
// observe cancellation at their next suspension point.
func New(ctx context.Context, api APIClient, cfg ConfigView, bus *events.Bus, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	snap := cfg.Snapshot()
	sctx, cancel := context.WithCancel(ctx)

	s := &sharedState{
		api:        api,
		cfg:        cfg,
		bus:        bus,
		log:        log,
		queue:      make(chan WorkItem, submissionQueueCapacity),
		chapterSem: newResizableSemaphore(maxInt(1, snap.ChapterConcurrency)),
		imageSem:   newResizableSemaphore(maxInt(1, snap.ImageConcurrency)),
		progress:   newGlobalProgress(),
		items:      make(map[int64]*itemControl),
		ctx:        sctx,
		cancel:     cancel,
	}
	s.setBandwidthLimit(snap.BandwidthLimitBytesPerSec)

	sched := &Scheduler{s: s}
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.speedTicker()
	return sched
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Submit places item on the bounded FIFO submission queue. It never
// blocks: a full queue returns ErrBackpressureFull immediately.
func (sc *Scheduler) Submit(item WorkItem) error {
	select {
	case sc.s.queue <- item:
		return nil
	default:
		return ErrBackpressureFull
	}
}

// SetChapterConcurrency resizes the chapter-level semaphore without
// disturbing in-flight chapter downloads.
func (sc *Scheduler) SetChapterConcurrency(n int) { sc.s.chapterSem.SetLimit(n) }

// SetImageConcurrency resizes the image-level semaphore without disturbing
// in-flight image downloads.
func (sc *Scheduler) SetImageConcurrency(n int) { sc.s.imageSem.SetLimit(n) }

// SetBandwidthLimit updates the shared rate limiter every image download
// draws from. bytesPerSec == 0 removes the limit.
func (sc *Scheduler) SetBandwidthLimit(bytesPerSec int64) { sc.s.setBandwidthLimit(bytesPerSec) }

// Pause blocks episodeID's not-yet-started image workers until Resume is
// called. Images already in flight finish normally. A no-op if episodeID
// isn't currently running.
func (sc *Scheduler) Pause(episodeID int64) {
	if ctrl := sc.s.lookupItem(episodeID); ctrl != nil {
		ctrl.gate.pause()
	}
}

// Resume undoes a prior Pause for episodeID. A no-op if episodeID isn't
// currently running or isn't paused.
func (sc *Scheduler) Resume(episodeID int64) {
	if ctrl := sc.s.lookupItem(episodeID); ctrl != nil {
		ctrl.gate.resume()
	}
}

// Cancel stops episodeID's chapter/bonus download at its next suspension
// point and ends it with a cancellation message. There is no partial-resume
// state: resubmitting the same item afterward restarts every image.
func (sc *Scheduler) Cancel(episodeID int64) {
	if ctrl := sc.s.lookupItem(episodeID); ctrl != nil {
		ctrl.cancel()
	}
}

func (s *sharedState) lookupItem(episodeID int64) *itemControl {
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()
	return s.items[episodeID]
}

func (s *sharedState) registerItem(episodeID int64) (context.Context, *pauseGate) {
	ctx, cancel := context.WithCancel(s.ctx)
	gate := newPauseGate()
	s.itemsMu.Lock()
	s.items[episodeID] = &itemControl{cancel: cancel, gate: gate}
	s.itemsMu.Unlock()
	return ctx, gate
}

func (s *sharedState) unregisterItem(episodeID int64) {
	s.itemsMu.Lock()
	delete(s.items, episodeID)
	s.itemsMu.Unlock()
}

func (s *sharedState) setBandwidthLimit(bytesPerSec int64) {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	if bytesPerSec <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}

func (s *sharedState) waitBandwidth(ctx context.Context, n int) error {
	s.limiterMu.RLock()
	l := s.limiter
	s.limiterMu.RUnlock()
	if l == nil {
		return nil
	}
	return l.WaitN(ctx, n)
}

// Shutdown stops accepting dispatch, closes both semaphores so blocked
// Acquire calls return, cancels the scheduler's context, and waits for
// every in-flight chapter/image goroutine to observe cancellation and
// return. Chapters mid-flight emit EpisodeEnd with a shutdown reason.
func (sc *Scheduler) Shutdown() {
	sc.s.closeOnce.Do(func() {
		sc.s.cancel()
		sc.s.chapterSem.Close()
		sc.s.imageSem.Close()
		close(sc.s.queue)
	})
	sc.s.wg.Wait()
}

// dispatchLoop reads the submission queue and spawns one independent
// chapter/bonus-task goroutine per item, preserving FIFO admission order up
// to the point each task attempts to acquire its concurrency permit —
// after that, tasks run in parallel with no further ordering guarantee.
func (s *sharedState) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case item, ok := <-s.queue:
			if !ok {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runWorkItem(item)
			}()
		case <-s.ctx.Done():
			return
		}
	}
}

// speedTicker emits a DownloadSpeedEvent once per second with the bytes
// downloaded across all in-flight images in the prior second, then resets
// the counter.
func (s *sharedState) speedTicker() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := s.bytesThisSecond.Swap(0)
			mb := float64(n) / 1024 / 1024
			s.bus.Publish(events.SpeedUpdateEvent{
				BytesPerSec: n,
				Speed:       fmt.Sprintf("%.2f MB/s", mb),
			})
		case <-s.ctx.Done():
			return
		}
	}
}

// runWorkItem tags one work item's whole lifecycle with a fresh correlation
// ID so every log line it produces — across the chapter goroutine and every
// image goroutine it fans out to — can be grepped out of the shared log
// stream as a single unit, the way a request ID threads through a web
// server's access logs.
func (s *sharedState) runWorkItem(item WorkItem) {
	id := item.id()
	ctx, gate := s.registerItem(id)
	defer s.unregisterItem(id)

	log := s.log.With("correlation_id", uuid.NewString(), "item_id", id)

	if item.Chapter != nil {
		s.runChapter(ctx, gate, item.Chapter, log)
		return
	}
	s.runBonus(ctx, gate, item.Bonus, log)
}

// runChapter runs the per-chapter download algorithm step by step: emit
// Pending, acquire the chapter permit (deferring any network work until a
// slot is free), fetch the manifest and tokens, create the temp directory,
// fan out image tasks, join them while reporting overall progress, then
// hand off to the archiver or report a partial failure.
func (s *sharedState) runChapter(ctx context.Context, gate *pauseGate, w *ChapterWork, log *slog.Logger) {
	ep := w.Episode
	log.Info("chapter pending", "title", ep.Title)
	s.bus.Publish(events.EpisodePendingEvent{EpisodeID: ep.ID, Title: ep.Title})

	if !s.chapterSem.Acquire(ctx) {
		s.bus.Publish(events.EpisodeEndEvent{EpisodeID: ep.ID, ErrMsg: "scheduler shut down before this chapter could start"})
		return
	}
	defer s.chapterSem.Release()

	cfg := s.cfg.Snapshot()

	if err := checkDiskSpace(cfg.DownloadRoot); err != nil {
		s.bus.Publish(events.EpisodeEndEvent{EpisodeID: ep.ID, ErrMsg: err.Error()})
		return
	}

	index, err := s.api.GetImageIndex(ctx, ep.ID)
	if err != nil {
		log.Error("fetching image index failed", "error", err)
		s.bus.Publish(events.EpisodeEndEvent{EpisodeID: ep.ID, ErrMsg: fmt.Sprintf("fetching image index: %v", err)})
		return
	}

	tokens, err := s.api.GetImageToken(ctx, index.Paths)
	if err != nil {
		log.Error("fetching image tokens failed", "error", err)
		s.bus.Publish(events.EpisodeEndEvent{EpisodeID: ep.ID, ErrMsg: fmt.Sprintf("fetching image tokens: %v", err)})
		return
	}
	if len(tokens) != len(index.Paths) {
		s.bus.Publish(events.EpisodeEndEvent{
			EpisodeID: ep.ID,
			ErrMsg:    fmt.Sprintf("server returned %d tokens for %d images", len(tokens), len(index.Paths)),
		})
		return
	}

	tempDir := filepath.Join(cfg.DownloadRoot, ep.ComicTitle, ".下载中-"+ep.Title)
	finalDir := filepath.Join(cfg.DownloadRoot, ep.ComicTitle, ep.Title)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		s.bus.Publish(events.EpisodeEndEvent{EpisodeID: ep.ID, ErrMsg: fmt.Sprintf("creating temp directory: %v", err)})
		return
	}

	total := len(tokens)
	log.Info("chapter starting", "title", ep.Title, "total", total)
	s.bus.Publish(events.EpisodeStartEvent{EpisodeID: ep.ID, Title: ep.Title, Total: total})
	s.progress.AddTotal(total)

	if total == 0 {
		// An empty manifest ends the chapter immediately and still
		// produces an (empty) final artifact.
		if err := archiver.Finalize(cfg.ArchiveFormat, tempDir, finalDir, w.PageInfo); err != nil {
			s.bus.Publish(events.EpisodeEndEvent{EpisodeID: ep.ID, ErrMsg: err.Error()})
			return
		}
		s.bus.Publish(events.EpisodeEndEvent{EpisodeID: ep.ID})
		return
	}

	var chapterDownloaded atomic.Int32
	var wg sync.WaitGroup
	wg.Add(total)
	for i, tok := range tokens {
		savePath := filepath.Join(tempDir, fmt.Sprintf("%03d.jpg", i+1))
		go func(imgURL string) {
			defer wg.Done()
			s.downloadImage(ctx, gate, ep.ID, imgURL, savePath, &chapterDownloaded, log)
			downloaded, totalNow := s.progress.Joined()
			pct := 0.0
			if totalNow > 0 {
				pct = float64(downloaded) / float64(totalNow) * 100
			}
			s.bus.Publish(events.OverallProgressEvent{Downloaded: downloaded, Total: totalNow, Percentage: pct})
			if downloaded == totalNow {
				// globalProgress.Joined resets its counters to zero the
				// instant they become equal; downloaded==totalNow here means
				// this join was the one that tripped that reset.
				s.bus.Publish(events.AllIdleEvent{})
			}
		}(tok.FetchURL())
	}
	wg.Wait()

	current := int(chapterDownloaded.Load())
	if current != total {
		log.Warn("chapter ended partial", "downloaded", current, "total", total)
		s.bus.Publish(events.EpisodeEndEvent{
			EpisodeID: ep.ID,
			ErrMsg:    fmt.Sprintf("总共有 %d 张图片，但只下载了 %d 张", total, current),
		})
		return
	}

	if err := archiver.Finalize(cfg.ArchiveFormat, tempDir, finalDir, w.PageInfo); err != nil {
		log.Error("archiving chapter failed", "error", err)
		s.bus.Publish(events.EpisodeEndEvent{EpisodeID: ep.ID, ErrMsg: err.Error()})
		return
	}
	log.Info("chapter complete", "title", ep.Title)
	s.bus.Publish(events.EpisodeEndEvent{EpisodeID: ep.ID})
}

// runBonus downloads a bonus/特典 gallery item. Unlike chapters, bonus
// items carry direct image URLs and need no manifest/token resolution
// round-trip, but otherwise share the chapter-permit/image-permit/progress
// machinery.
func (s *sharedState) runBonus(ctx context.Context, gate *pauseGate, w *BonusWork, log *slog.Logger) {
	item := w.Item
	log.Info("bonus item pending", "title", item.Title)
	s.bus.Publish(events.EpisodePendingEvent{EpisodeID: item.ID, Title: item.Title})

	if !s.chapterSem.Acquire(ctx) {
		s.bus.Publish(events.EpisodeEndEvent{EpisodeID: item.ID, ErrMsg: "scheduler shut down before this item could start"})
		return
	}
	defer s.chapterSem.Release()

	cfg := s.cfg.Snapshot()
	finalDir := filepath.Join(cfg.DownloadRoot, w.ComicTitle, "特典", item.Title)
	tempDir := filepath.Join(cfg.DownloadRoot, w.ComicTitle, "特典", ".下载中-"+item.Title)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		s.bus.Publish(events.EpisodeEndEvent{EpisodeID: item.ID, ErrMsg: fmt.Sprintf("creating temp directory: %v", err)})
		return
	}

	total := len(item.Paths)
	s.bus.Publish(events.EpisodeStartEvent{EpisodeID: item.ID, Title: item.Title, Total: total})
	s.progress.AddTotal(total)

	var chapterDownloaded atomic.Int32
	var wg sync.WaitGroup
	wg.Add(total)
	for i, imgURL := range item.Paths {
		savePath := filepath.Join(tempDir, fmt.Sprintf("%03d.jpg", i+1))
		go func(imgURL string) {
			defer wg.Done()
			s.downloadImage(ctx, gate, item.ID, imgURL, savePath, &chapterDownloaded, log)
			downloaded, totalNow := s.progress.Joined()
			pct := 0.0
			if totalNow > 0 {
				pct = float64(downloaded) / float64(totalNow) * 100
			}
			s.bus.Publish(events.OverallProgressEvent{Downloaded: downloaded, Total: totalNow, Percentage: pct})
			if downloaded == totalNow {
				s.bus.Publish(events.AllIdleEvent{})
			}
		}(imgURL)
	}
	wg.Wait()

	current := int(chapterDownloaded.Load())
	if current != total {
		log.Warn("bonus item ended partial", "downloaded", current, "total", total)
		s.bus.Publish(events.EpisodeEndEvent{
			EpisodeID: item.ID,
			ErrMsg:    fmt.Sprintf("总共有 %d 张图片，但只下载了 %d 张", total, current),
		})
		return
	}
	if err := archiver.Finalize(config.ArchiveFormatNone, tempDir, finalDir, archiver.ComicInfo{}); err != nil {
		log.Error("archiving bonus item failed", "error", err)
		s.bus.Publish(events.EpisodeEndEvent{EpisodeID: item.ID, ErrMsg: err.Error()})
		return
	}
	log.Info("bonus item complete", "title", item.Title)
	s.bus.Publish(events.EpisodeEndEvent{EpisodeID: item.ID})
}

// downloadImage runs the per-image algorithm: acquire the image permit,
// fetch bytes (retried by the HTTP client), decrypt, write to disk, and
// report success/failure. A per-image failure never aborts the chapter
// directly — it only shows up as a missing file when the chapter joins.
func (s *sharedState) downloadImage(ctx context.Context, gate *pauseGate, episodeID int64, imgURL, savePath string, chapterDownloaded *atomic.Int32, log *slog.Logger) bool {
	if err := gate.wait(ctx); err != nil {
		s.bus.Publish(events.ImageErrorEvent{EpisodeID: episodeID, URL: imgURL, ErrMsg: "paused chapter was canceled before resuming"})
		return false
	}

	if !s.imageSem.Acquire(ctx) {
		s.bus.Publish(events.ImageErrorEvent{EpisodeID: episodeID, URL: imgURL, ErrMsg: "scheduler shut down"})
		return false
	}

	data, err := s.api.GetImageBytes(ctx, imgURL)
	s.imageSem.Release()
	if err != nil {
		log.Warn("fetching image bytes failed", "url", imgURL, "error", err)
		s.bus.Publish(events.ImageErrorEvent{EpisodeID: episodeID, URL: imgURL, ErrMsg: err.Error()})
		return false
	}

	cpx := cpxParam(imgURL)
	plain, err := imgcrypto.Decrypt(data, cpx)
	if err != nil {
		log.Warn("decrypting image failed", "url", imgURL, "error", err)
		s.bus.Publish(events.ImageErrorEvent{EpisodeID: episodeID, URL: imgURL, ErrMsg: fmt.Sprintf("decrypting image: %v", err)})
		return false
	}

	if err := s.waitBandwidth(ctx, len(plain)); err != nil {
		s.bus.Publish(events.ImageErrorEvent{EpisodeID: episodeID, URL: imgURL, ErrMsg: fmt.Sprintf("bandwidth wait: %v", err)})
		return false
	}

	if err := os.WriteFile(savePath, plain, 0o644); err != nil {
		log.Error("writing image failed", "path", savePath, "error", err)
		s.bus.Publish(events.ImageErrorEvent{EpisodeID: episodeID, URL: imgURL, ErrMsg: fmt.Sprintf("writing image: %v", err)})
		return false
	}

	s.bytesThisSecond.Add(uint64(len(plain)))
	current := chapterDownloaded.Add(1)
	s.bus.Publish(events.ImageSuccessEvent{EpisodeID: episodeID, URL: imgURL, Current: int(current)})
	return true
}

// cpxParam extracts the "cpx" query parameter imgcrypto needs to derive the
// per-image IV from an image fetch URL built by model.ImageToken.FetchURL.
func cpxParam(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("cpx")
}

// checkDiskSpace is a pre-flight free-space check. root may not exist yet
// on a fresh download; disk.Usage still reports the filesystem it would
// land on once the nearest existing ancestor is used.
func checkDiskSpace(root string) error {
	dir := root
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		// A disk-stat failure shouldn't block downloads outright; the
		// subsequent write will surface a real filesystem error if the
		// volume is actually unusable.
		return nil
	}
	if usage.Free < minFreeBytes {
		return fmt.Errorf("%w: %d bytes free on %s", ErrInsufficientDiskSpace, usage.Free, dir)
	}
	return nil
}
