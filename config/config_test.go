package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caio-sobreiro/dicomul/types"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dicomul.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const fullConfig = `
[local]
ae-title = "STORE-SCP"
listen = "127.0.0.1:4242"
implementation-class-uid = "1.2.3.4"
implementation-version-name = "TEST_1"

[peer]
ae-title = "MODALITY"
address = "10.0.0.5:104"

[timeouts]
connect = "5s"
acse = "10s"
dimse = "-1s"
idle = "2m"
write = "1s"
release = "3s"

[limits]
max-pdu-length = 32768
max-associations = 8
message-queue-size = 4
max-buffered-bytes = 1048576

[logging]
level = "debug"
format = "json"
file = "/var/log/dicomul.log"
max-size-mb = 10

[metrics]
listen = ":9100"
path = "/metrics"

[[contexts]]
abstract-syntax = "1.2.840.10008.1.1"
transfer-syntaxes = ["1.2.840.10008.1.2"]

[[contexts]]
abstract-syntax = "1.2.840.10008.5.1.4.1.1.2"
transfer-syntaxes = ["1.2.840.10008.1.2.1", "1.2.840.10008.1.2"]
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "STORE-SCP", cfg.Local.AETitle)
	assert.Equal(t, "127.0.0.1:4242", cfg.Local.Listen)
	assert.Equal(t, "10.0.0.5:104", cfg.Peer.Address)
	assert.Equal(t, Duration(2*time.Minute), cfg.Timeouts.Idle)
	assert.Equal(t, 8, cfg.Limits.MaxAssociations)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	require.Len(t, cfg.Contexts, 2)
	assert.Equal(t, types.CTImageStorage, cfg.Contexts[1].AbstractSyntax)

	ac := cfg.AssociationConfig()
	assert.Equal(t, "STORE-SCP", ac.AETitle)
	assert.Equal(t, "MODALITY", ac.PeerAETitle)
	assert.Equal(t, uint32(32768), ac.MaxPDULength)
	assert.Equal(t, "1.2.3.4", ac.ImplementationClassUID)
	assert.Equal(t, 5*time.Second, ac.ConnectTimeout)
	assert.Equal(t, 10*time.Second, ac.ACSETimeout)
	assert.Equal(t, -time.Second, ac.DIMSETimeout)
	assert.Equal(t, time.Second, ac.WriteTimeout)
	assert.Equal(t, 4, ac.MessageQueueSize)
	assert.Equal(t, 1048576, ac.MaxBufferedBytes)
	require.Len(t, ac.Syntaxes, 2)
	assert.Equal(t, []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}, ac.Syntaxes[1].TransferSyntaxes)
}

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[local]\nae-title = \"ECHO\"\n"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, "ECHO", cfg.Local.AETitle)
	assert.Equal(t, def.Local.Listen, cfg.Local.Listen)
	assert.Equal(t, def.Contexts, cfg.Contexts)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "[local]\nae-title = \"ECHO\"\nport = 104\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local.port")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "[timeouts]\nacse = \"soon\"\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Local.AETitle = "THIS-TITLE-IS-TOO-LONG"
	cfg.Peer.AETitle = "BAD\\TITLE"
	cfg.Timeouts.ACSE = Duration(-time.Second)
	cfg.Limits.MaxAssociations = -1
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"
	cfg.Contexts = []Context{{AbstractSyntax: "1.2.03", TransferSyntaxes: []string{"x"}}}

	err := cfg.Validate()
	require.Error(t, err)
	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	assert.Len(t, merr.Errors, 8)
}

func TestValidateDefault(t *testing.T) {
	assert.NoError(t, Default().Validate())

	cfg := Default()
	cfg.Contexts = nil
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Local.AETitle = "   "
	assert.Error(t, cfg.Validate())
}

func TestStorageClasses(t *testing.T) {
	cfg, err := Load(writeConfig(t, `storage-classes = ["1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.5.1.4.1.1.4"]

[local]
ae-title = "STORESCU"
`))
	require.NoError(t, err)

	syntaxes := cfg.Syntaxes()
	require.Len(t, syntaxes, 3)
	assert.Equal(t, types.VerificationSOPClass, syntaxes[0].AbstractSyntax)
	assert.Equal(t, types.CTImageStorage, syntaxes[1].AbstractSyntax)
	assert.Equal(t, types.MRImageStorage, syntaxes[2].AbstractSyntax)
	assert.Equal(t, types.GetCommonTransferSyntaxes(), syntaxes[2].TransferSyntaxes)

	cfg = Default()
	cfg.Contexts = nil
	cfg.StorageClasses = []string{types.CTImageStorage}
	assert.NoError(t, cfg.Validate())

	cfg.StorageClasses = []string{types.VerificationSOPClass}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a storage SOP class")
}

func TestValidUID(t *testing.T) {
	assert.True(t, validUID(types.VerificationSOPClass))
	assert.True(t, validUID("2.25.0"))
	assert.False(t, validUID(""))
	assert.False(t, validUID("1..2"))
	assert.False(t, validUID("1.02"))
	assert.False(t, validUID("1.2.a"))
	assert.False(t, validUID("1."+string(make([]byte, 64))))
}
