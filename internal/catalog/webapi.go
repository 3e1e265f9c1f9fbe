package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultAppListURL    = "https://api.steampowered.com/ISteamApps/GetAppList/v2/"
	defaultAppDetailsURL = "https://store.steampowered.com/api/appdetails"
	defaultScanLimit     = 200
)

// WebAPI talks to the public Steam Web API. The storefront endpoints
// cap request rates per client, so every call goes through a limiter.
type WebAPI struct {
	http          *http.Client
	limiter       *rate.Limiter
	key           string
	appListURL    string
	appDetailsURL string
	scanLimit     int
}

// WebAPIOptions tunes a WebAPI client. Zero values pick the public
// endpoints and a conservative scan budget.
type WebAPIOptions struct {
	Key               string
	RequestsPerSecond float64
	ScanLimit         int
	AppListURL        string
	AppDetailsURL     string
}

func NewWebAPI(opts WebAPIOptions) *WebAPI {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	limit := opts.ScanLimit
	if limit <= 0 {
		limit = defaultScanLimit
	}
	listURL := opts.AppListURL
	if listURL == "" {
		listURL = defaultAppListURL
	}
	detailsURL := opts.AppDetailsURL
	if detailsURL == "" {
		detailsURL = defaultAppDetailsURL
	}
	return &WebAPI{
		http:          &http.Client{Timeout: 30 * time.Second},
		limiter:       rate.NewLimiter(rate.Limit(rps), 1),
		key:           opts.Key,
		appListURL:    listURL,
		appDetailsURL: detailsURL,
		scanLimit:     limit,
	}
}

type appEntry struct {
	AppID uint32 `json:"appid"`
	Name  string `json:"name"`
}

type appListResponse struct {
	AppList struct {
		Apps []appEntry `json:"apps"`
	} `json:"applist"`
}

type appDetails struct {
	Success bool `json:"success"`
	Data    struct {
		IsFree   bool     `json:"is_free"`
		Packages []uint32 `json:"packages"`
	} `json:"data"`
}

// FetchFreePackageIDs scans the app list and collects the package ids
// of no-cost apps. Only the first scanLimit apps are priced per cycle;
// the storefront API rejects unthrottled bulk scans.
func (w *WebAPI) FetchFreePackageIDs(ctx context.Context) ([]uint32, error) {
	apps, err := w.fetchAppList(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching app list: %w", err)
	}
	log.Info().Int("apps", len(apps)).Msg("steam app list fetched")

	if len(apps) > w.scanLimit {
		apps = apps[:w.scanLimit]
	}

	seen := make(map[uint32]struct{})
	var free []uint32
	for _, app := range apps {
		details, err := w.fetchAppDetails(ctx, app.AppID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debug().Uint32("appid", app.AppID).Err(err).Msg("app details fetch failed")
			continue
		}
		if !details.Success || !details.Data.IsFree {
			continue
		}
		for _, pkg := range details.Data.Packages {
			if _, dup := seen[pkg]; !dup {
				seen[pkg] = struct{}{}
				free = append(free, pkg)
			}
		}
	}
	return free, nil
}

func (w *WebAPI) fetchAppList(ctx context.Context) ([]appEntry, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := w.appListURL
	if w.key != "" {
		url += "?key=" + w.key
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var body appListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding app list: %w", err)
	}
	return body.AppList.Apps, nil
}

func (w *WebAPI) fetchAppDetails(ctx context.Context, appID uint32) (*appDetails, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s?appids=%d&filters=basic,packages", w.appDetailsURL, appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	// The response is keyed by the appid that was asked for.
	var body map[string]appDetails
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding app details: %w", err)
	}
	details, ok := body[strconv.FormatUint(uint64(appID), 10)]
	if !ok {
		return nil, fmt.Errorf("appid %d missing from response", appID)
	}
	return &details, nil
}
