// Package model holds the data shapes shared across the bilibili-manga client,
// decryptor, scheduler, and archiver.
package model

// Comic is the subset of comic_detail + album_plus this core cares about.
// Titles have already been passed through a filename sanitizer by the time
// they reach this struct.
type Comic struct {
	ID        int64
	Title     string
	Episodes  []Episode
	AlbumPlus AlbumPlus
}

// Episode is one chapter of a Comic.
type Episode struct {
	ID           int64
	Title        string
	ComicID      int64
	ComicTitle   string
	IsLocked     bool
	IsDownloaded bool
	Ord          float64
}

// AlbumPlus is the bonus/特典 gallery attached to a comic.
type AlbumPlus struct {
	Items []BonusItem
}

// BonusItem is one entry of a comic's bonus gallery.
type BonusItem struct {
	ID    int64
	Title string
	Type  int
	Paths []string
}

// ImageIndex is the ordered list of server-relative image paths for one episode.
type ImageIndex struct {
	Paths []string
}

// ImageToken pairs an image path with the token required to fetch it.
type ImageToken struct {
	Path  string
	Token string
}

// FetchURL is the URL to actually request for this token: the path with the
// token appended as a query parameter.
func (t ImageToken) FetchURL() string {
	return t.Path + "?token=" + t.Token
}

// ArchiveFormat is the three-value archive setting: keep images loose in a
// directory, or pack them into a CBZ/ZIP.
type ArchiveFormat int

const (
	ArchiveFormatNone ArchiveFormat = iota
	ArchiveFormatCBZ
	ArchiveFormatZIP
)

// ProxyMode is the three-value proxy setting.
type ProxyMode int

const (
	ProxyModeSystem ProxyMode = iota
	ProxyModeNone
	ProxyModeCustom
)

// QRStatus is the result of polling the QR login endpoint. The polling loop
// itself belongs to the login collaborator; this core only classifies one
// poll response.
type QRStatus int

const (
	QRStatusConfirmed QRStatus = iota
	QRStatusExpired
	QRStatusNotScanned
	QRStatusScannedAwaitingConfirm
)

// QRConfirmResult carries the credentials minted the instant a QR login is
// confirmed (QRStatusConfirmed). Zero value for every other QRStatus.
type QRConfirmResult struct {
	AccessToken string
	Cookie      string
	UID         int64
}

// UserProfile is the minimal profile shape the core needs to build device
// identity headers (the uid feeds AuroraEID).
type UserProfile struct {
	UID      int64
	Nickname string
}

// SearchResult is a page of comic search hits.
type SearchResult struct {
	Comics []Comic
	Total  int64
}

// EpisodeState tracks a chapter's lifecycle inside the scheduler.
type EpisodeState int

const (
	EpisodeStatePending EpisodeState = iota
	EpisodeStateRunning
	EpisodeStatePaused
	EpisodeStateComplete
	EpisodeStateError
	EpisodeStateCancelled
)

// DownloadTask is the scheduler's public view of one episode's progress.
type DownloadTask struct {
	EpisodeID    int64
	ComicTitle   string
	EpisodeTitle string
	State        EpisodeState
	Current      int
	Total        int
	ErrorMessage string
}
