package ftpserver

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// digestFixture is a tiny file with independently computed checksums, used by the HASH
// family tests below.
var digestFixture = []byte("corewind digest sample v1\n")

const (
	digestFixtureCRC32  = "39acb542"
	digestFixtureMD5    = "281535ab0431aa99e2e6b7a344e14b3f"
	digestFixtureSHA1   = "723ed2c805b8861b7e9e3651efb63861d45275d3"
	digestFixtureSHA256 = "7a370d2c6e3bf985e9f8b62ee9bd4718432a5ea97e31f579fbeb8416165b6098"
	digestFixtureSHA512 = "229f1ddb8da090b55436fe5b8ad28b33aa45132d8bcf99253abb6a8dfb6840a3" +
		"6180eccd440995c618d8503fa03e1e9ed0cf442e547713a942be365fbd06c221"
	// SHA-256 of bytes 9..17 of the fixture ("digest s")
	digestFixturePartial = "7dc56ce616ddbe76761e7c62e468fb80af8554783054bebcd9785e305875aea7"
)

// TestStoreAndRetrieve round-trips one payload byte for byte.
func TestStoreAndRetrieve(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	content := payload(96 * 1024)
	storeRaw(t, raw, "STOR", "blob.bin", content)

	returned := fetchRaw(t, raw, "blob.bin")
	require.Equal(t, digestOf(content), digestOf(returned))
}

// TestStoreUnique: STOU with a name stores under that name; without one the server
// derives a fresh name on its own.
func TestStoreUnique(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	storeRaw(t, raw, "STOU", "picked.bin", payload(256))

	code, response, err := raw.SendCommand("SIZE picked.bin")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatus, code)
	require.Equal(t, "256", response)

	// no name given: the upload still lands somewhere, visible in the listing
	before := len(strings.Split(strings.TrimRight(string(listRaw(t, raw, "NLST /")), "\r\n"), "\r\n"))

	connect, err := raw.PrepareDataConn()
	require.NoError(t, err)

	code, _, err = raw.SendCommand("STOU")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatusOK, code)

	dataConn, err := connect()
	require.NoError(t, err)
	_, err = dataConn.Write(payload(64))
	require.NoError(t, err)
	require.NoError(t, dataConn.Close())

	code, _, err = raw.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, StatusClosingDataConn, code)

	after := len(strings.Split(strings.TrimRight(string(listRaw(t, raw, "NLST /")), "\r\n"), "\r\n"))
	require.Equal(t, before+1, after)
}

// TestAppendGrowsFile: APPE tacks the second chunk onto the first.
func TestAppendGrowsFile(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	head := payload(1024)[:512]
	tail := payload(2048)[:256]

	storeRaw(t, raw, "STOR", "grow.log", head)
	storeRaw(t, raw, "APPE", "grow.log", tail)

	got := fetchRaw(t, raw, "grow.log")
	require.Len(t, got, 768)
	require.Equal(t, head, got[:512])
	require.Equal(t, tail, got[512:])
}

// TestRestartedDownload is the REST/RETR contract: REST 100 shifts exactly the next
// RETR, nothing after it. The offset is armed after the data-connection setup, directly
// before the transfer command, the way resuming clients sequence it.
func TestRestartedDownload(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	content := payload(300)
	storeRaw(t, raw, "STOR", "resume.bin", content)

	connect, err := raw.PrepareDataConn()
	require.NoError(t, err)

	replyIs(t, raw, "REST 100", StatusFileActionPending)

	code, response, err := raw.SendCommand("RETR resume.bin")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatusOK, code, response)

	dataConn, err := connect()
	require.NoError(t, err)

	got, err := io.ReadAll(dataConn)
	require.NoError(t, err)
	require.NoError(t, dataConn.Close())
	require.Equal(t, content[100:], got, "the shifted read starts at the offset")

	code, _, err = raw.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, StatusClosingDataConn, code)

	require.Equal(t, content, fetchRaw(t, raw, "resume.bin"), "the very next read is whole again")
}

// TestRestartedUpload: REST directly before STOR overwrites in place from the offset.
func TestRestartedUpload(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	content := payload(200)
	storeRaw(t, raw, "STOR", "patch.bin", content)

	connect, err := raw.PrepareDataConn()
	require.NoError(t, err)

	replyIs(t, raw, "REST 150", StatusFileActionPending)

	code, response, err := raw.SendCommand("STOR patch.bin")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatusOK, code, response)

	dataConn, err := connect()
	require.NoError(t, err)

	patch := payload(50)
	_, err = dataConn.Write(patch)
	require.NoError(t, err)
	require.NoError(t, dataConn.Close())

	code, _, err = raw.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, StatusClosingDataConn, code)

	got := fetchRaw(t, raw, "patch.bin")
	require.Len(t, got, 200)
	require.Equal(t, content[:150], got[:150])
	require.Equal(t, patch, got[150:])
}

// TestRestParameterRules: REST needs binary mode and a parseable decimal offset.
func TestRestParameterRules(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	replyIs(t, raw, "TYPE A", StatusOK)
	replyIs(t, raw, "REST 5", StatusSyntaxErrorParameters)

	replyIs(t, raw, "TYPE I", StatusOK)
	replyIs(t, raw, "REST five", StatusSyntaxErrorParameters)
	replyIs(t, raw, "REST 5", StatusFileActionPending)
}

// TestRenameTransaction: RNFR arms a rename for exactly the next command; RNTO alone or
// after an intervening command is a sequence error.
func TestRenameTransaction(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	storeRaw(t, raw, "STOR", "draft.txt", payload(20))

	replyIs(t, raw, "RNTO final.txt", StatusBadCommandSequence)

	// the armed source is dropped by any command in between
	replyIs(t, raw, "RNFR draft.txt", StatusFileActionPending)
	replyIs(t, raw, "NOOP", StatusOK)
	replyIs(t, raw, "RNTO final.txt", StatusBadCommandSequence)

	// back to back it works
	replyIs(t, raw, "RNFR draft.txt", StatusFileActionPending)
	replyIs(t, raw, "RNTO final.txt", StatusFileOK)

	replyIs(t, raw, "SIZE final.txt", StatusFileStatus)
	replyIs(t, raw, "SIZE draft.txt", StatusActionNotTaken)

	// renaming something missing fails at RNFR already
	replyIs(t, raw, "RNFR draft.txt", StatusActionNotTaken)
}

// TestDeleteFile: DELE removes exactly once.
func TestDeleteFile(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	storeRaw(t, raw, "STOR", "condemned.tmp", payload(10))

	replyIs(t, raw, "DELE condemned.tmp", StatusFileOK)
	replyIs(t, raw, "DELE condemned.tmp", StatusActionNotTaken)
}

// TestSizeAndModTime covers SIZE and MDTM, including the ASCII-mode refusal for SIZE.
func TestSizeAndModTime(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	storeRaw(t, raw, "STOR", "measured.bin", payload(4321))

	code, response, err := raw.SendCommand("SIZE measured.bin")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatus, code)
	require.Equal(t, "4321", response)

	code, response, err = raw.SendCommand("MDTM measured.bin")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatus, code)
	require.Regexp(t, `^\d{14}$`, response)

	stamp, err := time.ParseInLocation("20060102150405", response, time.UTC)
	require.NoError(t, err)
	require.InDelta(t, float64(time.Now().Unix()), float64(stamp.Unix()), 30)

	replyIs(t, raw, "SIZE missing.bin", StatusActionNotTaken)
	replyIs(t, raw, "MDTM missing.bin", StatusActionNotTaken)

	// a translated "ASCII size" would be a lie, so SIZE refuses in TYPE A
	replyIs(t, raw, "TYPE A", StatusOK)
	replyIs(t, raw, "SIZE measured.bin", StatusActionNotTaken)
}

// TestModifyFactTime drives MFMT and verifies the new stamp through MDTM.
func TestModifyFactTime(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	storeRaw(t, raw, "STOR", "aged.txt", payload(5))

	code, response, err := raw.SendCommand("MFMT 19991231235959 aged.txt")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatus, code)
	require.Contains(t, response, "Modify=19991231235959;")

	code, response, err = raw.SendCommand("MDTM aged.txt")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatus, code)
	require.Equal(t, "19991231235959", response)

	// parameter problems: not a timestamp, missing pieces, disabled feature
	replyIs(t, raw, "MFMT 1999 aged.txt", StatusSyntaxErrorParameters)
	replyIs(t, raw, "MFMT 19991231235959", StatusSyntaxErrorNotRecognised)

	server.settings.DisableMFMT = true
	replyIs(t, raw, "MFMT 19991231235959 aged.txt", StatusSyntaxErrorNotRecognised)
}

// TestFileStatus: STAT of a file is a 213 block, of a directory a 212 block, of nothing
// a 550.
func TestFileStatus(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	storeRaw(t, raw, "STOR", "one.txt", payload(11))
	replyIs(t, raw, "MKD /box", StatusPathCreated)
	storeRaw(t, raw, "STOR", "/box/two.txt", payload(22))

	code, response, err := raw.SendCommand("STAT one.txt")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatus, code)
	require.Contains(t, response, "one.txt")

	code, response, err = raw.SendCommand("STAT /box")
	require.NoError(t, err)
	require.Equal(t, StatusDirectoryStatus, code)
	require.Contains(t, response, "two.txt")

	replyIs(t, raw, "STAT /neither", StatusFileActionNotTaken)
}

// TestHashFamily runs HASH plus the per-algorithm aliases against a fixture with known
// digests, including a ranged variant and parameter errors.
func TestHashFamily(t *testing.T) {
	server := NewTestServerWithTestDriver(t, &TestServerDriver{Settings: &Settings{EnableHASH: true}})
	raw := openRawSession(t, server)

	storeRaw(t, raw, "STOR", "sums.txt", digestFixture)

	t.Run("hash uses the selected algorithm", func(t *testing.T) {
		code, response, err := raw.SendCommand("HASH sums.txt")
		require.NoError(t, err)
		require.Equal(t, StatusFileStatus, code)
		require.Contains(t, response, fmt.Sprintf("SHA-256 0-%d %s", len(digestFixture), digestFixtureSHA256))

		replyIs(t, raw, "OPTS HASH CRC32", StatusOK)

		code, response, err = raw.SendCommand("HASH sums.txt")
		require.NoError(t, err)
		require.Equal(t, StatusFileStatus, code)
		require.Contains(t, response, fmt.Sprintf("CRC32 0-%d %s", len(digestFixture), digestFixtureCRC32))
	})

	t.Run("aliases pick their own algorithm", func(t *testing.T) {
		for cmd, digest := range map[string]string{
			"XCRC":    digestFixtureCRC32,
			"MD5":     digestFixtureMD5,
			"XMD5":    digestFixtureMD5,
			"XSHA":    digestFixtureSHA1,
			"XSHA1":   digestFixtureSHA1,
			"XSHA256": digestFixtureSHA256,
			"XSHA512": digestFixtureSHA512,
		} {
			code, response, err := raw.SendCommand(cmd + " sums.txt")
			require.NoError(t, err)
			require.Equal(t, StatusFileOK, code, "command %s", cmd)
			require.True(t, strings.HasSuffix(response, digest), "command %s: %s", cmd, response)
		}
	})

	t.Run("byte ranges and bad parameters", func(t *testing.T) {
		code, response, err := raw.SendCommand("XSHA256 sums.txt 9 17")
		require.NoError(t, err)
		require.Equal(t, StatusFileOK, code)
		require.True(t, strings.HasSuffix(response, digestFixturePartial))

		replyIs(t, raw, "XSHA256 sums.txt nine 17", StatusSyntaxErrorParameters)
		replyIs(t, raw, "XSHA256 sums.txt 9 seventeen", StatusSyntaxErrorParameters)
		replyIs(t, raw, "XSHA256 absent.txt", StatusActionNotTaken)
	})

	t.Run("directories have no digest", func(t *testing.T) {
		replyIs(t, raw, "MKD /nodigest", StatusPathCreated)
		replyIs(t, raw, "XSHA256 /nodigest", StatusActionNotTakenNoFile)
	})

	t.Run("disabled switch", func(t *testing.T) {
		server.settings.EnableHASH = false

		replyIs(t, raw, "HASH sums.txt", StatusCommandNotImplemented)
		replyIs(t, raw, "XMD5 sums.txt", StatusCommandNotImplemented)
	})
}

// TestCombine: COMB stitches uploaded parts onto a target, consuming the parts; also the
// disabled and error paths.
func TestCombine(t *testing.T) {
	server := NewTestServerWithTestDriver(t, &TestServerDriver{Settings: &Settings{EnableCOMB: true}})
	raw := openRawSession(t, server)

	part1 := payload(700)
	part2 := payload(1100)[:300]
	part3 := payload(500)

	storeRaw(t, raw, "STOR", "chunk-a", part1)
	storeRaw(t, raw, "STOR", "chunk b", part2) // a name with a space goes through quoting
	storeRaw(t, raw, "STOR", "chunk-c", part3)

	code, response, err := raw.SendCommand(`COMB whole.bin chunk-a "chunk b" chunk-c`)
	require.NoError(t, err)
	require.Equal(t, StatusFileOK, code, response)

	whole := fetchRaw(t, raw, "whole.bin")
	require.Len(t, whole, 1500)
	require.Equal(t, digestOf(append(append(append([]byte{}, part1...), part2...), part3...)), digestOf(whole))

	// the parts are gone after a successful combine
	replyIs(t, raw, "SIZE chunk-a", StatusActionNotTaken)

	// errors: not enough parts, missing sources
	replyIs(t, raw, "COMB", StatusSyntaxErrorParameters)
	replyIs(t, raw, "COMB whole.bin", StatusSyntaxErrorParameters)
	replyIs(t, raw, "COMB whole.bin nowhere", StatusActionNotTaken)

	server.settings.EnableCOMB = false
	replyIs(t, raw, "COMB whole.bin chunk-c", StatusCommandNotImplemented)
}

// TestCombParamSplitting pins the quote-aware argument splitting COMB relies on.
func TestCombParamSplitting(t *testing.T) {
	t.Parallel()

	parts, err := unquoteSpaceSeparatedParams(`target.bin one two`)
	require.NoError(t, err)
	require.Equal(t, []string{"target.bin", "one", "two"}, parts)

	parts, err = unquoteSpaceSeparatedParams(`"target.bin" "part one" two`)
	require.NoError(t, err)
	require.Equal(t, []string{"target.bin", "part one", "two"}, parts)

	_, err = unquoteSpaceSeparatedParams("")
	require.Error(t, err)
}

// TestSiteFileMaintenance covers SITE CHMOD/CHOWN/SYMLINK happy paths and their
// parameter policing.
func TestSiteFileMaintenance(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	storeRaw(t, raw, "STOR", "owned.txt", payload(9))

	t.Run("chmod", func(t *testing.T) {
		replyIs(t, raw, "SITE CHMOD 640 owned.txt", StatusOK)
		replyIs(t, raw, "SITE CHMOD rwx owned.txt", StatusSyntaxErrorParameters)
		replyIs(t, raw, "SITE CHMOD 640", StatusSyntaxErrorParameters)
		replyIs(t, raw, "SITE CHMOD", StatusSyntaxErrorParameters)
	})

	t.Run("chown", func(t *testing.T) {
		ok := fmt.Sprintf("SITE CHOWN %d:%d owned.txt", testUID, testGID)
		replyIs(t, raw, ok, StatusOK)
		replyIs(t, raw, fmt.Sprintf("SITE CHOWN %d owned.txt", testUID), StatusOK)
		replyIs(t, raw, "SITE CHOWN 9876:1 owned.txt", StatusActionNotTaken)
		replyIs(t, raw, fmt.Sprintf("SITE CHOWN %d:%d gone.txt", testUID, testGID), StatusActionNotTaken)
		replyIs(t, raw, "SITE CHOWN 123", StatusSyntaxErrorParameters)
	})

	t.Run("symlink", func(t *testing.T) {
		// a dangling link target is fine, clobbering an existing file is not
		replyIs(t, raw, "SITE SYMLINK owned.txt shortcut.lnk", StatusOK)
		replyIs(t, raw, "SITE SYMLINK elsewhere owned.txt", StatusActionNotTaken)
		replyIs(t, raw, "SITE SYMLINK", StatusSyntaxErrorParameters)
		replyIs(t, raw, "SITE SYMLINK onlyone", StatusSyntaxErrorParameters)
		replyIs(t, raw, "SITE SYMLINK one two three", StatusSyntaxErrorParameters)
	})

	t.Run("unknown and disabled", func(t *testing.T) {
		code, response, err := raw.SendCommand("SITE ENGAGE")
		require.NoError(t, err)
		require.Equal(t, StatusSyntaxErrorNotRecognised, code)
		require.Contains(t, response, "ENGAGE")

		server.settings.DisableSite = true

		replyIs(t, raw, "SITE CHMOD 640 owned.txt", StatusSyntaxErrorNotRecognised)

		server.settings.DisableSite = false
	})
}

// TestSiteTreeCommands: SITE MKDIR builds a whole chain, SITE RMDIR takes it down
// recursively.
func TestSiteTreeCommands(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	replyIs(t, raw, "SITE MKDIR /y1/y2/y3", StatusFileOK)

	for _, dir := range []string{"/y1", "/y1/y2", "/y1/y2/y3"} {
		replyIs(t, raw, "STAT "+dir, StatusDirectoryStatus)
	}

	storeRaw(t, raw, "STOR", "/y1/y2/buried.txt", payload(33))

	replyIs(t, raw, "SITE RMDIR /y1", StatusFileOK)
	replyIs(t, raw, "STAT /y1", StatusFileActionNotTaken)

	replyIs(t, raw, "SITE RMDIR /y1", StatusActionNotTaken)
	replyIs(t, raw, "SITE MKDIR", StatusSyntaxErrorNotRecognised)
	replyIs(t, raw, "SITE RMDIR", StatusSyntaxErrorNotRecognised)
}

// TestSiteChecksum: SITE MD5 needs an explicit enable and reports the digest next to the
// path.
func TestSiteChecksum(t *testing.T) {
	t.Run("enabled for everyone", func(t *testing.T) {
		server := NewTestServerWithTestDriver(t, &TestServerDriver{
			Settings: &Settings{SiteMD5EnabledFor: SiteMD5All},
		})
		raw := openRawSession(t, server)

		storeRaw(t, raw, "STOR", "sums.txt", digestFixture)

		code, response, err := raw.SendCommand("SITE MD5 sums.txt")
		require.NoError(t, err)
		require.Equal(t, StatusFileOK, code)
		require.Equal(t, digestFixtureMD5+" /sums.txt", response)

		replyIs(t, raw, "SITE MD5 virtual.txt", StatusActionNotTaken)
	})

	t.Run("off by default", func(t *testing.T) {
		server := NewTestServer(t, false)
		raw := openRawSession(t, server)

		replyIs(t, raw, "SITE MD5 anything", StatusCommandNotImplemented)
	})
}

// TestSpaceManagement: ALLO consults the backend's quota and AVBL reports free space for
// directories only.
func TestSpaceManagement(t *testing.T) {
	server := NewTestServer(t, false)
	raw := openRawSession(t, server)

	// the test backend accepts anything under a megabyte
	replyIs(t, raw, "ALLO 65536", StatusOK)
	replyIs(t, raw, "ALLO 8388608", StatusActionNotTaken)
	replyIs(t, raw, "ALLO lots", StatusSyntaxErrorParameters)

	code, response, err := raw.SendCommand("AVBL")
	require.NoError(t, err)
	require.Equal(t, StatusFileStatus, code)
	require.Equal(t, "123", response)

	storeRaw(t, raw, "STOR", "occupied.txt", payload(7))
	replyIs(t, raw, "AVBL occupied.txt", StatusActionNotTaken)
	replyIs(t, raw, "AVBL /missing", StatusActionNotTaken)

	replyIs(t, raw, "MKD /noavbl-zone", StatusPathCreated)
	replyIs(t, raw, "AVBL /noavbl-zone", StatusActionNotTaken)
}

// TestMlsxEntryShapeAgainstRFCExamples validates our fact-line pattern against entry
// shapes lifted from RFC 3659's worked examples, so the pattern itself stays honest.
func TestMlsxEntryShapeAgainstRFCExamples(t *testing.T) {
	t.Parallel()

	pattern := regexp.MustCompile(`^(?:[A-Za-z]+=[^;]*;)+ [^\r\n]+$`)

	for _, entry := range []string{
		"Type=dir;Modify=19981107085215;Perm=el; /tmp",
		"Type=file;Size=25730;Modify=19940728095854;Perm=; capmux.tar.z",
		"type=file;size=640;modify=20250101000000;perm=radfw;unique=ab12; ledger.db",
	} {
		require.Regexp(t, pattern, entry)
	}

	// the pattern must refuse an entry whose last fact drops its semicolon
	require.NotRegexp(t, pattern, "type=file;size=12 name.txt")
}
