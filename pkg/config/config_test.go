package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loadWithEnv runs Load from a scratch directory so a developer's local .env
// cannot leak into the assertions.
func loadWithEnv(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("# test\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	for key, value := range env {
		t.Setenv(key, value)
	}
	return Load()
}

func facilityEnv() map[string]string {
	return map[string]string{
		"FACILITY_LIST":             "LILS",
		"DEFAULT_FACILITY_NAME":     "LILS",
		"FACILITY_LILS_CATALOG_URL": "https://lils.example/catalog",
		"FACILITY_LILS_ARCHIVE_URL": "https://lils.example/ids",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWithEnv(t, facilityEnv())
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "/api/v1", cfg.APIPrefix)
	require.Equal(t, time.Second, cfg.Poll.TickInterval)
	require.Equal(t, 600*time.Second, cfg.Poll.Delay)
	require.Equal(t, 600*time.Second, cfg.Poll.IntervalWait)
	require.False(t, cfg.Poll.Disabled)
	require.Equal(t, 1, cfg.Queue.MaxActiveDownloads)
	require.Equal(t, int64(10000), cfg.Queue.VisitMaxPartFileCount)
	require.Equal(t, int64(10000), cfg.Queue.FilesMaxFileCount)
	require.Equal(t, 0, cfg.Priority.Default)
	require.True(t, cfg.Priority.AnonDownloadEnabled)
	require.Equal(t, 1024, cfg.GetURLLimit)
	require.Empty(t, cfg.Priority.Users)
}

func TestLoadParsesJSONProperties(t *testing.T) {
	env := facilityEnv()
	env["QUEUE_PRIORITY_AUTHENTICATED"] = `{"ldap": 3}`
	env["QUEUE_PRIORITY_USER"] = `{"ldap/alice": 1}`
	env["QUEUE_PRIORITY_INSTRUMENTS"] = `{"WISH": 2}`
	env["TRANSPORT_DISALLOWED_PREFIXES"] = `{"LILS": {"scp": ["anon"]}}`
	env["MAIL_BODIES"] = `{"https": "Download ${fileName} is ready at ${downloadUrl}"}`
	env["MAIL_REQUIRED"] = `{"globus": true}`

	cfg, err := loadWithEnv(t, env)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"ldap": 3}, cfg.Priority.Authenticated)
	require.Equal(t, map[string]int{"ldap/alice": 1}, cfg.Priority.Users)
	require.Equal(t, map[string]int{"WISH": 2}, cfg.Priority.Instruments)
	require.Equal(t, []string{"anon"}, cfg.Transports.DisallowedPrefixes["LILS"]["scp"])
	require.True(t, cfg.Mail.Required["globus"])
	require.Contains(t, cfg.Mail.Bodies["https"], "${downloadUrl}")
}

func TestLoadRejectsMalformedJSONProperty(t *testing.T) {
	env := facilityEnv()
	env["QUEUE_PRIORITY_USER"] = `{"ldap/alice": }`

	_, err := loadWithEnv(t, env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "QUEUE_PRIORITY_USER")
}

func TestLoadRequiresFacilityList(t *testing.T) {
	_, err := loadWithEnv(t, map[string]string{"FACILITY_LIST": ""})
	require.Error(t, err)
	require.Contains(t, err.Error(), "FACILITY_LIST")
}

func TestLoadRequiresFacilityURLs(t *testing.T) {
	env := facilityEnv()
	env["FACILITY_LILS_ARCHIVE_URL"] = ""

	_, err := loadWithEnv(t, env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "FACILITY_LILS_ARCHIVE_URL")
}

func TestLoadFacilities(t *testing.T) {
	env := facilityEnv()
	env["FACILITY_LIST"] = "LILS, DLS"
	env["FACILITY_LILS_DOWNLOAD_URLS"] = `{"globus": "https://lils.example/globus"}`
	env["FACILITY_LILS_QUEUE_PLUGIN"] = "db"
	env["FACILITY_LILS_QUEUE_USERNAME"] = "queue_reader"
	env["FACILITY_LILS_QUEUE_PASSWORD"] = "secret"
	env["FACILITY_DLS_CATALOG_URL"] = "https://dls.example/catalog"
	env["FACILITY_DLS_ARCHIVE_URL"] = "https://dls.example/ids"

	cfg, err := loadWithEnv(t, env)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"LILS", "DLS"}, cfg.Facilities.Names())

	url, err := cfg.Facilities.CatalogURL("DLS")
	require.NoError(t, err)
	require.Equal(t, "https://dls.example/catalog", url)

	// An empty name resolves to the default facility.
	url, err = cfg.Facilities.CatalogURL("")
	require.NoError(t, err)
	require.Equal(t, "https://lils.example/catalog", url)

	// Transport-specific endpoint when configured, archive endpoint otherwise.
	url, err = cfg.Facilities.DownloadURL("LILS", "globus")
	require.NoError(t, err)
	require.Equal(t, "https://lils.example/globus", url)
	url, err = cfg.Facilities.DownloadURL("LILS", "https")
	require.NoError(t, err)
	require.Equal(t, "https://lils.example/ids", url)

	facility, err := cfg.Facilities.Get("LILS")
	require.NoError(t, err)
	require.Equal(t, "queue_reader", facility.QueueAccount.Username)

	_, err = cfg.Facilities.Get("UNKNOWN")
	require.Error(t, err)
}

func TestLoadPollOverrides(t *testing.T) {
	env := facilityEnv()
	env["POLL_TICK_INTERVAL"] = "250ms"
	env["POLL_DELAY"] = "not-a-duration"
	env["POLL_DISABLED"] = "true"

	cfg, err := loadWithEnv(t, env)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.Poll.TickInterval)
	require.Equal(t, 600*time.Second, cfg.Poll.Delay, "an unparsable duration falls back to the default")
	require.True(t, cfg.Poll.Disabled)
}

func TestValidateNameWithoutDefault(t *testing.T) {
	registry := NewFacilitiesConfig("")
	_, err := registry.ValidateName("")
	require.Error(t, err)

	name, err := registry.ValidateName("LILS")
	require.NoError(t, err)
	require.Equal(t, "LILS", name)
}

func TestSplitAndTrim(t *testing.T) {
	require.Nil(t, splitAndTrim(""))
	require.Equal(t, []string{"a", "b"}, splitAndTrim(" a , b ,"))
}
