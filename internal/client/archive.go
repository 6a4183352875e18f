package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

// Archive is a stateless wrapper over one archival storage endpoint. Prepare
// requests stage data asynchronously; two-level storage requires a restore
// step before prepared data is retrievable.
type Archive struct {
	rest     *restClient
	urlLimit int
	logger   *zap.Logger
}

// NewArchive builds an archive client for one facility/transport endpoint.
func NewArchive(baseURL string, urlLimit int, timeout time.Duration, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{
		rest:     newRESTClient(baseURL, timeout, logger),
		urlLimit: urlLimit,
		logger:   logger,
	}
}

// PrepareData asks the archive to stage the given entities and returns the
// opaque prepared handle. The id lists travel in the POST body, so no
// chunking applies here.
func (a *Archive) PrepareData(ctx context.Context, sessionID string, investigationIDs, datasetIDs, datafileIDs []int64) (string, error) {
	form := url.Values{}
	form.Set("sessionId", sessionID)
	form.Set("compress", "false")
	form.Set("zip", "true")
	setIDList(form, "investigationIds", investigationIDs)
	setIDList(form, "datasetIds", datasetIDs)
	setIDList(form, "datafileIds", datafileIDs)

	body, err := a.rest.postForm(ctx, "prepareData", form)
	if err != nil {
		return "", err
	}
	preparedID := strings.TrimSpace(string(body))
	if preparedID == "" {
		return "", appErrors.Clone(appErrors.ErrInternal, "archive returned an empty preparedId")
	}
	return preparedID, nil
}

// IsPrepared reports whether a prepared handle is ready for retrieval.
func (a *Archive) IsPrepared(ctx context.Context, preparedID string) (bool, error) {
	body, err := a.rest.get(ctx, "isPrepared?preparedId="+url.QueryEscape(preparedID))
	if err != nil {
		return false, err
	}
	return parseBool(body)
}

// GetSize returns the total byte size of the given entities. The id list is
// embedded in GET URLs, chunked under the configured length limit; sizes
// across chunks are summed.
func (a *Archive) GetSize(ctx context.Context, sessionID string, investigationIDs, datasetIDs, datafileIDs []int64) (int64, error) {
	type entry struct {
		param string
		id    string
	}
	var entries []entry
	for _, id := range investigationIDs {
		entries = append(entries, entry{"investigationIds", strconv.FormatInt(id, 10)})
	}
	for _, id := range datasetIDs {
		entries = append(entries, entry{"datasetIds", strconv.FormatInt(id, 10)})
	}
	for _, id := range datafileIDs {
		entries = append(entries, entry{"datafileIds", strconv.FormatInt(id, 10)})
	}
	if len(entries) == 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "no entity ids supplied for size lookup")
	}

	// Worst case prefix: session id plus all three parameter names.
	prefix := "getSize?sessionId=" + url.QueryEscape(sessionID) +
		"&investigationIds=&datasetIds=&datafileIds="
	prefixLen := a.rest.urlLength(prefix)

	lens := make([]int, len(entries))
	for i, e := range entries {
		lens[i] = len(e.id)
	}

	var total int64
	for _, r := range chunkRanges(prefixLen, 1, a.urlLimit, lens) {
		params := url.Values{}
		params.Set("sessionId", sessionID)
		byParam := map[string][]string{}
		for _, e := range entries[r[0]:r[1]] {
			byParam[e.param] = append(byParam[e.param], e.id)
		}
		for param, ids := range byParam {
			params.Set(param, strings.Join(ids, ","))
		}

		body, err := a.rest.get(ctx, "getSize?"+params.Encode())
		if err != nil {
			return 0, err
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse size response: %w", err)
		}
		total += size
	}
	return total, nil
}

// IsTwoLevel reports whether the facility's storage requires an asynchronous
// restore before prepared data is retrievable.
func (a *Archive) IsTwoLevel(ctx context.Context) (bool, error) {
	body, err := a.rest.get(ctx, "isTwoLevel")
	if err != nil {
		return false, err
	}
	return parseBool(body)
}

// DataURL returns the retrieval URL for a prepared handle, used in
// notification e-mails.
func (a *Archive) DataURL(preparedID, outname string) string {
	return a.rest.baseURL + "/getData?preparedId=" + url.QueryEscape(preparedID) +
		"&outname=" + url.QueryEscape(outname)
}

func setIDList(form url.Values, key string, ids []int64) {
	if len(ids) == 0 {
		return
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	form.Set(key, strings.Join(parts, ","))
}

func parseBool(body []byte) (bool, error) {
	value, err := strconv.ParseBool(strings.TrimSpace(string(body)))
	if err != nil {
		return false, fmt.Errorf("parse boolean response: %w", err)
	}
	return value, nil
}
