package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanyeeee/mangadl-go/internal/config"
	"github.com/lanyeeee/mangadl-go/internal/events"
	"github.com/lanyeeee/mangadl-go/internal/model"
)

// minimalGIF decodes via image.DecodeConfig without needing a real wrapper,
// so downloadImage's decrypt step takes the "already an image" passthrough
// branch (internal/imgcrypto.Decrypt) and these tests never need a real cpx/IV.
var minimalGIF = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\x00\x00\x00\xff\xff\xff")

type fakeAPI struct {
	mu        sync.Mutex
	indexErr  error
	tokenErr  error
	failURLs  map[string]bool
	fetchHook func(url string)
}

func (f *fakeAPI) GetImageIndex(ctx context.Context, episodeID int64) (*model.ImageIndex, error) {
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	return &model.ImageIndex{Paths: []string{"/p/1", "/p/2", "/p/3"}}, nil
}

func (f *fakeAPI) GetImageToken(ctx context.Context, paths []string) ([]model.ImageToken, error) {
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	tokens := make([]model.ImageToken, len(paths))
	for i, p := range paths {
		tokens[i] = model.ImageToken{Path: p, Token: fmt.Sprintf("tok%d", i)}
	}
	return tokens, nil
}

func (f *fakeAPI) GetImageBytes(ctx context.Context, url string) ([]byte, error) {
	if f.fetchHook != nil {
		f.fetchHook(url)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fail := f.failURLs[url]
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("simulated fetch failure for %s", url)
	}
	return minimalGIF, nil
}

func testConfig(root string) *config.Static {
	cfg := config.Defaults()
	cfg.DownloadRoot = root
	cfg.ArchiveFormat = config.ArchiveFormatNone
	cfg.ChapterConcurrency = 2
	cfg.ImageConcurrency = 4
	return config.NewStatic(cfg)
}

func drainEvents(ch <-chan events.Event, n int, timeout time.Duration) []events.Event {
	out := make([]events.Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
	return out
}

func countByType(got []events.Event, t events.Type) int {
	n := 0
	for _, e := range got {
		if e.Type() == t {
			n++
		}
	}
	return n
}

func TestSchedulerDownloadsChapterAndEmitsEventsInOrder(t *testing.T) {
	root := t.TempDir()
	api := &fakeAPI{}
	bus := events.New()
	sub := bus.SubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sc := New(ctx, api, testConfig(root), bus, nil)
	defer sc.Shutdown()

	comic := model.Comic{ID: 1, Title: "Sample Comic"}
	ep := model.Episode{ID: 100, Title: "Ch.1", ComicID: 1, ComicTitle: comic.Title}
	require.NoError(t, sc.Submit(NewChapterItem(comic, ep)))

	// Pending, Start, 3x(ImageSuccess+OverallProgress), one AllIdle at
	// quiescence, End.
	got := drainEvents(sub, 10, 2*time.Second)
	require.Len(t, got, 10)
	require.Equal(t, events.TypeEpisodePending, got[0].Type())
	require.Equal(t, events.TypeEpisodeStart, got[1].Type())
	require.Equal(t, 3, countByType(got, events.TypeImageSuccess))
	require.Equal(t, 3, countByType(got, events.TypeOverallProgress))
	require.Equal(t, 1, countByType(got, events.TypeAllIdle))
	last := got[len(got)-1]
	require.Equal(t, events.TypeEpisodeEnd, last.Type())
	require.Empty(t, last.(events.EpisodeEndEvent).ErrMsg)

	entries, err := os.ReadDir(filepath.Join(root, comic.Title, ep.Title))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "001.jpg", entries[0].Name())
}

func TestSchedulerReportsPartialFailureWithoutArchiving(t *testing.T) {
	root := t.TempDir()
	api := &fakeAPI{failURLs: map[string]bool{"/p/2?token=tok1": true}}
	bus := events.New()
	sub := bus.SubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sc := New(ctx, api, testConfig(root), bus, nil)
	defer sc.Shutdown()

	comic := model.Comic{ID: 1, Title: "Sample Comic"}
	ep := model.Episode{ID: 101, Title: "Ch.2", ComicID: 1, ComicTitle: comic.Title}
	require.NoError(t, sc.Submit(NewChapterItem(comic, ep)))

	got := drainEvents(sub, 10, 2*time.Second)
	require.Len(t, got, 10)
	require.Equal(t, 2, countByType(got, events.TypeImageSuccess))
	require.Equal(t, 1, countByType(got, events.TypeImageError))
	last := got[len(got)-1]
	end, ok := last.(events.EpisodeEndEvent)
	require.True(t, ok)
	require.NotEmpty(t, end.ErrMsg)

	_, err := os.Stat(filepath.Join(root, comic.Title, ep.Title))
	require.True(t, os.IsNotExist(err), "a chapter with missing images must not be finalized into the final directory")
}

func TestSchedulerEnforcesImageConcurrency(t *testing.T) {
	root := t.TempDir()
	var inFlight, maxInFlight int
	var mu sync.Mutex
	api := &fakeAPI{fetchHook: func(string) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}}
	bus := events.New()
	sub := bus.SubscribeAll()

	cfg := config.Defaults()
	cfg.DownloadRoot = root
	cfg.ImageConcurrency = 1
	cfg.ChapterConcurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sc := New(ctx, api, config.NewStatic(cfg), bus, nil)
	defer sc.Shutdown()

	comic := model.Comic{ID: 1, Title: "Sample Comic"}
	ep := model.Episode{ID: 102, Title: "Ch.3", ComicID: 1, ComicTitle: comic.Title}
	require.NoError(t, sc.Submit(NewChapterItem(comic, ep)))

	drainEvents(sub, 10, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxInFlight, "image concurrency of 1 must never let two fetches overlap")
}

func TestSubmitReturnsBackpressureFullWhenQueueSaturated(t *testing.T) {
	s := &sharedState{queue: make(chan WorkItem, submissionQueueCapacity)}
	sc := &Scheduler{s: s}

	comic := model.Comic{ID: 1, Title: "C"}
	for i := 0; i < submissionQueueCapacity; i++ {
		ep := model.Episode{ID: int64(i), Title: fmt.Sprintf("Ch.%d", i), ComicTitle: comic.Title}
		require.NoError(t, sc.Submit(NewChapterItem(comic, ep)))
	}

	overflow := model.Episode{ID: 999, Title: "overflow", ComicTitle: comic.Title}
	require.ErrorIs(t, sc.Submit(NewChapterItem(comic, overflow)), ErrBackpressureFull)
}

func TestSchedulerEmptyManifestFinalizesImmediately(t *testing.T) {
	root := t.TempDir()
	bus := events.New()
	sub := bus.SubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sc := New(ctx, emptyIndexAPI{}, testConfig(root), bus, nil)
	defer sc.Shutdown()

	comic := model.Comic{ID: 1, Title: "Sample Comic"}
	ep := model.Episode{ID: 103, Title: "Ch.4", ComicID: 1, ComicTitle: comic.Title}
	require.NoError(t, sc.Submit(NewChapterItem(comic, ep)))

	got := drainEvents(sub, 3, time.Second)
	require.Len(t, got, 3)
	require.Equal(t, events.TypeEpisodePending, got[0].Type())
	require.Equal(t, events.TypeEpisodeStart, got[1].Type())
	require.Equal(t, events.TypeEpisodeEnd, got[2].Type())
	require.Empty(t, got[2].(events.EpisodeEndEvent).ErrMsg)
}

func TestPauseGateBlocksUntilResume(t *testing.T) {
	g := newPauseGate()
	require.NoError(t, g.wait(context.Background()), "a fresh gate must not block")

	g.pause()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, g.wait(ctx), "a paused gate must block until resumed")

	done := make(chan error, 1)
	go func() { done <- g.wait(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	g.resume()
	require.NoError(t, <-done)
}

func TestSchedulerCancelOnUnknownEpisodeIsNoop(t *testing.T) {
	root := t.TempDir()
	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sc := New(ctx, &fakeAPI{}, testConfig(root), bus, nil)
	defer sc.Shutdown()

	require.NotPanics(t, func() {
		sc.Cancel(999)
		sc.Pause(999)
		sc.Resume(999)
	})
}

func TestSchedulerCancelStopsChapterMidFlight(t *testing.T) {
	root := t.TempDir()
	started := make(chan struct{})
	var once sync.Once
	api := &fakeAPI{fetchHook: func(string) {
		once.Do(func() { close(started) })
		time.Sleep(200 * time.Millisecond)
	}}
	bus := events.New()
	sub := bus.SubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sc := New(ctx, api, testConfig(root), bus, nil)
	defer sc.Shutdown()

	comic := model.Comic{ID: 1, Title: "Sample Comic"}
	ep := model.Episode{ID: 104, Title: "Ch.5", ComicID: 1, ComicTitle: comic.Title}
	require.NoError(t, sc.Submit(NewChapterItem(comic, ep)))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("chapter never started fetching images")
	}
	sc.Cancel(ep.ID)

	got := drainEvents(sub, 10, 2*time.Second)
	last := got[len(got)-1]
	end, ok := last.(events.EpisodeEndEvent)
	require.True(t, ok, "a canceled chapter must still end with EpisodeEnd")
	require.NotEmpty(t, end.ErrMsg, "a canceled chapter ends with a non-empty error message")
}

// emptyIndexAPI returns a manifest with no images, exercising the total==0
// boundary in runChapter.
type emptyIndexAPI struct{}

func (emptyIndexAPI) GetImageIndex(ctx context.Context, episodeID int64) (*model.ImageIndex, error) {
	return &model.ImageIndex{}, nil
}
func (emptyIndexAPI) GetImageToken(ctx context.Context, paths []string) ([]model.ImageToken, error) {
	return nil, nil
}
func (emptyIndexAPI) GetImageBytes(ctx context.Context, url string) ([]byte, error) {
	return minimalGIF, nil
}
