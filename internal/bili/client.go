// Package bili implements the bilibili-manga mobile API surface this core
// needs: QR login issuance/polling, user profile, search, comic/episode
// metadata, and image index/token lookup. Every authenticated call is signed
// with internal/bili/auth.AppSign and carries the device-identity headers
// from internal/bili/auth.
package bili

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lanyeeee/mangadl-go/internal/bili/auth"
	"github.com/lanyeeee/mangadl-go/internal/httpclient"
	"github.com/lanyeeee/mangadl-go/internal/model"
	"github.com/lanyeeee/mangadl-go/internal/sanitize"
	"golang.org/x/sync/errgroup"
)

const (
	passportHost = "https://passport.snm0516.aisee.tv"
	mangaHost    = "https://manga.bilibili.com"
	accountHost  = "https://app.bilibili.com"

	// browserUserAgent is sent on the web (cookie-authenticated) path;
	// mobile-signed calls carry the BiliDroid user agent instead.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"
)

// CredentialSource is the interface this client consumes from the login
// collaborator: wherever the access token/cookie currently live.
type CredentialSource interface {
	Current() (accessToken, cookie string, uid int64)
}

// Client is the bilibili-manga API client. It is a small struct of
// pointers/interfaces, cheap to copy across goroutines like the rest of this
// core's shared handles. The buvid and session id are derived once here and
// stay fixed for the process lifetime; only the trace id varies per request.
type Client struct {
	http      *httpclient.Client
	creds     CredentialSource
	log       *slog.Logger
	buvid     string
	sessionID string
}

func New(http *httpclient.Client, creds CredentialSource, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	buvid, err := auth.DeviceID()
	if err != nil {
		return nil, err
	}
	session, err := auth.SessionID()
	if err != nil {
		return nil, err
	}
	return &Client{http: http, creds: creds, log: log, buvid: buvid, sessionID: session}, nil
}

// deviceHeaders builds the fixed device-identity header set every request
// carries.
func (c *Client) deviceHeaders() (map[string]string, error) {
	trace, err := auth.TraceID(time.Now().Unix())
	if err != nil {
		return nil, err
	}
	_, _, uid := c.creds.Current()

	return map[string]string{
		"User-Agent":         "Mozilla/5.0 BiliDroid/6.5.0",
		"Accept":             "*/*",
		// Accept-Encoding is left to the transport: setting it by hand would
		// turn off net/http's transparent gzip decompression, and the
		// transport already advertises gzip on its own.
		"Buvid":              c.buvid,
		"Session-ID":         c.sessionID,
		"Origin":             mangaHost,
		"Pagerouter":         mangaHost + "/",
		"Content-Type":       "application/json; charset=utf-8",
		"x-bili-trace-id":    trace,
		"x-bili-aurora-eid":  auth.AuroraEID(uid),
		"x-bili-aurora-zone": "",
	}, nil
}

// doSigned issues a signed GET/POST to path with params run through
// AppSign, parses the {code,msg,data} envelope, and decodes Data into v.
// reqBody, when non-nil, is JSON-marshaled into the request body — the
// manga endpoints take their subject id (comic_id, ep_id) there rather
// than in the signed query.
func (c *Client) doSigned(ctx context.Context, method, rawURL string, params map[string]string, extraHeaders map[string]string, reqBody, v any) error {
	headers, err := c.deviceHeaders()
	if err != nil {
		return err
	}
	for k, val := range extraHeaders {
		headers[k] = val
	}

	signed := auth.AppSign(params)
	q := url.Values{}
	for k, val := range signed {
		q.Set(k, val)
	}
	full := rawURL + "?" + q.Encode()

	var r io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		headers["Content-Type"] = "application/json; charset=utf-8"
		r = bytes.NewReader(payload)
	}

	body, _, err := c.http.DoJSON(ctx, method, full, headers, r)
	if err != nil {
		return err
	}
	env, err := parseEnvelope(body)
	if err != nil {
		return err
	}
	if v == nil {
		if env.Code != 0 {
			return &APIError{Code: env.Code, Message: env.message()}
		}
		return nil
	}
	return requireData(env, v)
}

// GenerateQRCode issues a new login QR code, returning the URL to render and
// the auth_code used to poll for confirmation. The polling loop itself is the
// login collaborator's responsibility.
func (c *Client) GenerateQRCode(ctx context.Context) (qrURL, authCode string, err error) {
	var data generateAppQrcodeRespData
	params := map[string]string{"ts": "0", "local_id": "0"}
	if err := c.doSigned(ctx, http.MethodPost, passportHost+"/x/passport-tv-login/qrcode/auth_code", params, nil, nil, &data); err != nil {
		return "", "", fmt.Errorf("generating qr code: %w", err)
	}
	return data.URL, data.AuthCode, nil
}

// PollQRCodeStatus performs one poll of the login QR code's status. Codes
// 86038/86039/86090 are non-fatal poll states, not API errors. On
// QRStatusConfirmed, the returned QRConfirmResult carries the access token
// and cookie minted by this confirmation; it is the zero value otherwise.
func (c *Client) PollQRCodeStatus(ctx context.Context, authCode string) (model.QRStatus, model.QRConfirmResult, error) {
	headers, err := c.deviceHeaders()
	if err != nil {
		return 0, model.QRConfirmResult{}, err
	}
	signed := auth.AppSign(map[string]string{"auth_code": authCode, "ts": "0", "local_id": "0"})
	q := url.Values{}
	for k, v := range signed {
		q.Set(k, v)
	}
	full := passportHost + "/x/passport-tv-login/qrcode/poll?" + q.Encode()

	body, _, err := c.http.DoJSON(ctx, http.MethodPost, full, headers, nil)
	if err != nil {
		return 0, model.QRConfirmResult{}, fmt.Errorf("polling qr code status: %w", err)
	}
	env, err := parseEnvelope(body)
	if err != nil {
		return 0, model.QRConfirmResult{}, err
	}
	if !qrCodes[env.Code] {
		return 0, model.QRConfirmResult{}, &APIError{Code: env.Code, Message: env.message()}
	}
	switch env.Code {
	case 0:
		var data appQrcodeStatusRespData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return 0, model.QRConfirmResult{}, fmt.Errorf("decoding qr confirm data: %w", err)
			}
		}
		return model.QRStatusConfirmed, model.QRConfirmResult{
			AccessToken: data.AccessToken,
			Cookie:      data.Cookie,
			UID:         data.Mid,
		}, nil
	case 86038:
		return model.QRStatusExpired, model.QRConfirmResult{}, nil
	case 86039:
		return model.QRStatusNotScanned, model.QRConfirmResult{}, nil
	default: // 86090
		return model.QRStatusScannedAwaitingConfirm, model.QRConfirmResult{}, nil
	}
}

// GetUserProfile fetches the logged-in user's profile.
func (c *Client) GetUserProfile(ctx context.Context) (*model.UserProfile, error) {
	accessToken, _, _ := c.creds.Current()
	var data userProfileRespData
	params := map[string]string{"access_key": accessToken, "ts": "0"}
	if err := c.doSigned(ctx, http.MethodGet, accountHost+"/x/v2/account/myinfo", params, nil, nil, &data); err != nil {
		return nil, fmt.Errorf("getting user profile: %w", err)
	}
	return &model.UserProfile{UID: data.MID, Nickname: data.Name}, nil
}

// Search searches comics by keyword, paginated.
func (c *Client) Search(ctx context.Context, keyword string, page int) (*model.SearchResult, error) {
	accessToken, _, _ := c.creds.Current()
	var data searchRespData
	params := map[string]string{
		"keyword":    keyword,
		"page_num":   strconv.Itoa(page),
		"page_size":  "20",
		"access_key": accessToken,
		"ts":         "0",
	}
	if err := c.doSigned(ctx, http.MethodPost, mangaHost+"/twirp/search.v1.Search/SearchKeyword", params, nil, nil, &data); err != nil {
		return nil, fmt.Errorf("searching comics: %w", err)
	}
	result := &model.SearchResult{Total: data.Total}
	for _, hit := range data.List {
		result.Comics = append(result.Comics, model.Comic{ID: hit.ID, Title: sanitize.Filename(hit.Title)})
	}
	return result, nil
}

// GetComic fetches comic_detail and album_plus concurrently via errgroup,
// merging them into one model.Comic.
func (c *Client) GetComic(ctx context.Context, comicID int64) (*model.Comic, error) {
	var comicData comicRespData
	var albumPlus model.AlbumPlus

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		accessToken, _, _ := c.creds.Current()
		params := map[string]string{"device": "android", "access_key": accessToken}
		body := map[string]int64{"comic_id": comicID}
		return c.doSigned(gctx, http.MethodPost, mangaHost+"/twirp/comic.v1.Comic/ComicDetail", params, nil, body, &comicData)
	})
	g.Go(func() error {
		var err error
		albumPlus, err = c.GetAlbumPlus(gctx, comicID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetching comic %d: %w", comicID, err)
	}

	comic := &model.Comic{
		ID:        comicData.ID,
		Title:     sanitize.Filename(comicData.Title),
		AlbumPlus: albumPlus,
	}
	for _, ep := range comicData.EpList {
		title := ep.Title
		if ep.ShortTitle != "" {
			title = ep.ShortTitle + " " + title
		}
		comic.Episodes = append(comic.Episodes, model.Episode{
			ID:         ep.ID,
			Title:      sanitize.Filename(strings.TrimSpace(title)),
			ComicID:    comicData.ID,
			ComicTitle: comic.Title,
			IsLocked:   ep.IsLocked,
			Ord:        ep.Ord,
		})
	}
	return comic, nil
}

// GetAlbumPlus fetches a comic's bonus/特典 gallery metadata.
func (c *Client) GetAlbumPlus(ctx context.Context, comicID int64) (model.AlbumPlus, error) {
	accessToken, _, _ := c.creds.Current()
	var data albumPlusRespData
	params := map[string]string{"version": "6.5.0", "access_key": accessToken}
	body := map[string]int64{"comic_id": comicID}
	if err := c.doSigned(ctx, http.MethodPost, mangaHost+"/twirp/comic.v1.Comic/GetComicAlbumPlus", params, nil, body, &data); err != nil {
		return model.AlbumPlus{}, fmt.Errorf("fetching album plus for comic %d: %w", comicID, err)
	}
	out := model.AlbumPlus{}
	for _, item := range data.List {
		out.Items = append(out.Items, model.BonusItem{
			ID:    item.ID,
			Title: sanitize.Filename(item.Title),
			Type:  item.Type,
			Paths: item.Paths,
		})
	}
	return out, nil
}

// GetImageIndex fetches the ordered image path list for one episode.
func (c *Client) GetImageIndex(ctx context.Context, episodeID int64) (*model.ImageIndex, error) {
	_, cookie, _ := c.creds.Current()
	var data imageIndexRespData
	params := map[string]string{"platform": "web", "device": "pc"}
	headers := map[string]string{
		"Cookie":     cookie,
		"User-Agent": browserUserAgent,
	}
	body := map[string]int64{"ep_id": episodeID}
	if err := c.doSigned(ctx, http.MethodPost, mangaHost+"/twirp/comic.v1.Comic/GetImageIndex", params, headers, body, &data); err != nil {
		return nil, fmt.Errorf("fetching image index for episode %d: %w", episodeID, err)
	}
	idx := &model.ImageIndex{}
	for _, img := range data.Images {
		idx.Paths = append(idx.Paths, img.Path)
	}
	return idx, nil
}

// GetImageBytes fetches one image's raw (still wrapper-encrypted) bytes from
// its signed CDN URL. No envelope parsing applies here — the CDN response
// body is the payload itself, unlike every other endpoint on this client.
func (c *Client) GetImageBytes(ctx context.Context, rawURL string) ([]byte, error) {
	headers, err := c.deviceHeaders()
	if err != nil {
		return nil, err
	}
	data, _, err := c.http.DoJSON(ctx, http.MethodGet, rawURL, headers, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching image bytes: %w", err)
	}
	return data, nil
}

// GetImageToken batches a token request for every image path in one episode.
func (c *Client) GetImageToken(ctx context.Context, paths []string) ([]model.ImageToken, error) {
	accessToken, _, _ := c.creds.Current()
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return nil, err
	}
	headers, err := c.deviceHeaders()
	if err != nil {
		return nil, err
	}
	signed := auth.AppSign(map[string]string{
		"mobi_app":   "android_comic",
		"version":    "6.5.0",
		"access_key": accessToken,
	})
	q := url.Values{}
	for k, v := range signed {
		q.Set(k, v)
	}
	full := mangaHost + "/twirp/comic.v1.Comic/ImageToken?" + q.Encode()
	// The endpoint wants urls as a JSON-encoded string, not a nested array.
	payload, err := json.Marshal(map[string]string{"urls": string(pathsJSON)})
	if err != nil {
		return nil, err
	}
	headers["Content-Type"] = "application/json; charset=utf-8"
	body, _, err := c.http.DoJSON(ctx, http.MethodPost, full, headers, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("fetching image tokens: %w", err)
	}
	env, err := parseEnvelope(body)
	if err != nil {
		return nil, err
	}
	var entries []imageTokenEntry
	if err := requireData(env, &entries); err != nil {
		return nil, err
	}
	out := make([]model.ImageToken, len(entries))
	for i, e := range entries {
		out[i] = model.ImageToken{Path: e.URL, Token: e.Token}
	}
	return out, nil
}
