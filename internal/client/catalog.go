package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

// Dataset is one row of a visit lookup: a dataset id with its precomputed
// file count and byte size. Counts and sizes of zero mean "not yet computed"
// upstream and trigger on-demand queries.
type Dataset struct {
	ID        int64
	FileCount int64
	FileSize  int64
}

// Datafile is one row of a data collection datafile lookup.
type Datafile struct {
	ID       int64
	FileSize int64
}

// DatafilesResult reports a bulk lookup of datafiles by location. Missing
// holds the input locations that matched nothing, so callers can report
// partial misses instead of failing outright.
type DatafilesResult struct {
	IDs       []int64
	TotalSize int64
	Missing   []string
}

// Catalog is a stateless wrapper over the metadata catalog service. It owns
// the id-list chunking that keeps generated query URLs under the configured
// length limit.
type Catalog struct {
	rest     *restClient
	urlLimit int
	logger   *zap.Logger
}

// NewCatalog builds a catalog client for one facility endpoint.
func NewCatalog(baseURL string, urlLimit int, timeout time.Duration, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		rest:     newRESTClient(baseURL, timeout, logger),
		urlLimit: urlLimit,
		logger:   logger,
	}
}

// Login authenticates the given credential and returns a session id.
func (c *Catalog) Login(ctx context.Context, plugin, username, password string) (string, error) {
	credentials, err := json.Marshal(map[string]interface{}{
		"plugin": plugin,
		"credentials": []map[string]string{
			{"username": username},
			{"password": password},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal login payload: %w", err)
	}

	form := url.Values{}
	form.Set("json", string(credentials))
	body, err := c.rest.postForm(ctx, "session", form)
	if err != nil {
		return "", err
	}

	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse login response: %w", err)
	}
	if payload.SessionID == "" {
		return "", appErrors.Clone(appErrors.ErrInternal, "catalog login returned no sessionId")
	}
	return payload.SessionID, nil
}

// GetUserName resolves the user name owning a session.
func (c *Catalog) GetUserName(ctx context.Context, sessionID string) (string, error) {
	body, err := c.rest.get(ctx, "session/"+url.PathEscape(sessionID))
	if err != nil {
		return "", err
	}
	var payload struct {
		UserName string `json:"userName"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return payload.UserName, nil
}

// GetFullName resolves the display name of the session's user, falling back
// to the user name when the catalog has none on record.
func (c *Catalog) GetFullName(ctx context.Context, sessionID string) (string, error) {
	userName, err := c.GetUserName(ctx, sessionID)
	if err != nil {
		return "", err
	}
	query := "SELECT user.fullName FROM User user WHERE user.name = '" + escapeLiteral(userName) + "'"

	body, err := c.query(ctx, sessionID, query)
	if err != nil {
		return "", err
	}
	var names []*string
	if err := json.Unmarshal(body, &names); err != nil {
		return "", fmt.Errorf("parse fullName response: %w", err)
	}
	if len(names) == 0 || names[0] == nil || strings.TrimSpace(*names[0]) == "" {
		c.logger.Sugar().Debugw("no fullName on record, falling back to userName", "user", userName)
		return userName, nil
	}
	return *names[0], nil
}

// GetDatasets returns all datasets of the investigation with the given visit
// id, with precomputed file counts and sizes.
func (c *Catalog) GetDatasets(ctx context.Context, sessionID, visitID string) ([]Dataset, error) {
	query := "SELECT dataset.id, dataset.fileCount, dataset.fileSize FROM Dataset dataset" +
		" WHERE dataset.investigation.visitId = '" + escapeLiteral(visitID) + "' ORDER BY dataset.id"
	body, err := c.query(ctx, sessionID, query)
	if err != nil {
		return nil, err
	}

	return parseDatasetRows(body)
}

// GetDataCollectionDatasets returns the datasets of a data collection, with
// precomputed file counts and sizes.
func (c *Catalog) GetDataCollectionDatasets(ctx context.Context, sessionID string, dataCollectionID int64) ([]Dataset, error) {
	query := fmt.Sprintf("SELECT dataset.id, dataset.fileCount, dataset.fileSize FROM Dataset dataset"+
		" WHERE EXISTS ( SELECT dcd FROM DataCollectionDataset dcd WHERE dcd.dataCollection.id = %d AND dcd.dataset = dataset )"+
		" ORDER BY dataset.id", dataCollectionID)
	body, err := c.query(ctx, sessionID, query)
	if err != nil {
		return nil, err
	}
	return parseDatasetRows(body)
}

// GetDataCollectionDatafiles returns the individually attached datafiles of a
// data collection.
func (c *Catalog) GetDataCollectionDatafiles(ctx context.Context, sessionID string, dataCollectionID int64) ([]Datafile, error) {
	query := fmt.Sprintf("SELECT datafile.id, datafile.fileSize FROM Datafile datafile"+
		" WHERE EXISTS ( SELECT dcf FROM DataCollectionDatafile dcf WHERE dcf.dataCollection.id = %d AND dcf.datafile = datafile )"+
		" ORDER BY datafile.id", dataCollectionID)
	body, err := c.query(ctx, sessionID, query)
	if err != nil {
		return nil, err
	}

	var rows [][]int64
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse datafiles response: %w", err)
	}
	datafiles := make([]Datafile, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("malformed datafile row: %v", row)
		}
		datafiles = append(datafiles, Datafile{ID: row[0], FileSize: row[1]})
	}
	return datafiles, nil
}

func parseDatasetRows(body []byte) ([]Dataset, error) {
	var rows [][]int64
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse datasets response: %w", err)
	}
	datasets := make([]Dataset, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("malformed dataset row: %v", row)
		}
		datasets = append(datasets, Dataset{ID: row[0], FileCount: row[1], FileSize: row[2]})
	}
	return datasets, nil
}

// GetDatafiles looks up datafiles by location, chunking the location list so
// each generated query URL stays under the configured limit. Results across
// chunks are concatenated; locations that match nothing are reported in
// Missing.
func (c *Catalog) GetDatafiles(ctx context.Context, sessionID string, locations []string) (*DatafilesResult, error) {
	const queryPrefix = "SELECT datafile.id, datafile.location, datafile.fileSize FROM Datafile datafile WHERE datafile.location IN ("
	const querySuffix = ") ORDER BY datafile.id"

	encoded := make([]string, len(locations))
	for i, location := range locations {
		encoded[i] = url.QueryEscape("'" + escapeLiteral(location) + "'")
	}
	prefixLen := c.rest.urlLength("entityManager?sessionId=" + url.QueryEscape(sessionID) +
		"&query=" + url.QueryEscape(queryPrefix) + url.QueryEscape(querySuffix))
	ranges := chunkRanges(prefixLen, len(url.QueryEscape(",")), c.urlLimit, lengths(encoded))

	found := make(map[string]struct{}, len(locations))
	result := &DatafilesResult{}
	for _, r := range ranges {
		quoted := make([]string, 0, r[1]-r[0])
		for _, location := range locations[r[0]:r[1]] {
			quoted = append(quoted, "'"+escapeLiteral(location)+"'")
		}
		body, err := c.query(ctx, sessionID, queryPrefix+strings.Join(quoted, ",")+querySuffix)
		if err != nil {
			return nil, err
		}

		var rows [][]json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("parse datafiles response: %w", err)
		}
		for _, row := range rows {
			if len(row) < 3 {
				return nil, fmt.Errorf("malformed datafile row")
			}
			var (
				id       int64
				location string
				size     int64
			)
			if err := json.Unmarshal(row[0], &id); err != nil {
				return nil, fmt.Errorf("parse datafile id: %w", err)
			}
			if err := json.Unmarshal(row[1], &location); err != nil {
				return nil, fmt.Errorf("parse datafile location: %w", err)
			}
			if err := json.Unmarshal(row[2], &size); err != nil {
				return nil, fmt.Errorf("parse datafile size: %w", err)
			}
			result.IDs = append(result.IDs, id)
			result.TotalSize += size
			found[location] = struct{}{}
		}
	}

	for _, location := range locations {
		if _, ok := found[location]; !ok {
			result.Missing = append(result.Missing, location)
		}
	}
	return result, nil
}

// GetDatasetFileCount counts the datafiles of a dataset, for datasets whose
// fileCount field has not been computed upstream.
func (c *Catalog) GetDatasetFileCount(ctx context.Context, sessionID string, datasetID int64) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(datafile) FROM Datafile datafile WHERE datafile.dataset.id = %d", datasetID)
	return c.queryNumber(ctx, sessionID, query)
}

// GetDatasetFileSize sums the datafile sizes of a dataset, for datasets whose
// fileSize field has not been computed upstream.
func (c *Catalog) GetDatasetFileSize(ctx context.Context, sessionID string, datasetID int64) (int64, error) {
	query := fmt.Sprintf("SELECT COALESCE(SUM(datafile.fileSize), 0) FROM Datafile datafile WHERE datafile.dataset.id = %d", datasetID)
	return c.queryNumber(ctx, sessionID, query)
}

// IsInvestigationUser reports whether the user participates in any
// investigation.
func (c *Catalog) IsInvestigationUser(ctx context.Context, sessionID, userName string) (bool, error) {
	return c.countUser(ctx, sessionID, userName, "user.investigationUsers IS NOT EMPTY")
}

// HasInvestigationRole reports whether the user holds the named role on any
// investigation.
func (c *Catalog) HasInvestigationRole(ctx context.Context, sessionID, userName, role string) (bool, error) {
	condition := "EXISTS ( SELECT o FROM InvestigationUser o WHERE o.role = '" + escapeLiteral(role) + "' AND o.user = user )"
	return c.countUser(ctx, sessionID, userName, condition)
}

// IsInstrumentScientist reports whether the user is a scientist on any
// instrument.
func (c *Catalog) IsInstrumentScientist(ctx context.Context, sessionID, userName string) (bool, error) {
	return c.countUser(ctx, sessionID, userName, "user.instrumentScientists IS NOT EMPTY")
}

// IsInstrumentScientistFor reports whether the user is a scientist on the
// named instrument.
func (c *Catalog) IsInstrumentScientistFor(ctx context.Context, sessionID, userName, instrument string) (bool, error) {
	condition := "EXISTS ( SELECT o FROM InstrumentScientist o WHERE o.instrument.name = '" + escapeLiteral(instrument) + "' AND o.user = user )"
	return c.countUser(ctx, sessionID, userName, condition)
}

// IsGroupMember reports whether the user belongs to the named group.
func (c *Catalog) IsGroupMember(ctx context.Context, sessionID, userName, group string) (bool, error) {
	condition := "EXISTS ( SELECT o FROM UserGroup o WHERE o.grouping.name = '" + escapeLiteral(group) + "' AND o.user = user )"
	return c.countUser(ctx, sessionID, userName, condition)
}

func (c *Catalog) countUser(ctx context.Context, sessionID, userName, condition string) (bool, error) {
	query := "SELECT COUNT(user) FROM User user WHERE user.name = '" + escapeLiteral(userName) + "' AND ( " + condition + " )"
	count, err := c.queryNumber(ctx, sessionID, query)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (c *Catalog) queryNumber(ctx context.Context, sessionID, query string) (int64, error) {
	body, err := c.query(ctx, sessionID, query)
	if err != nil {
		return 0, err
	}
	var values []int64
	if err := json.Unmarshal(body, &values); err != nil {
		return 0, fmt.Errorf("parse numeric response: %w", err)
	}
	if len(values) == 0 {
		return 0, nil
	}
	return values[0], nil
}

func (c *Catalog) query(ctx context.Context, sessionID, query string) ([]byte, error) {
	path := "entityManager?sessionId=" + url.QueryEscape(sessionID) + "&query=" + url.QueryEscape(query)
	return c.rest.get(ctx, path)
}

func escapeLiteral(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

func lengths(values []string) []int {
	out := make([]int, len(values))
	for i, value := range values {
		out[i] = len(value)
	}
	return out
}
