package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"unicode"
)

// CollectionsDirName is the directory under a bot directory that holds one
// subdirectory per ingested file.
const CollectionsDirName = "Chroma_db"

const maxStemLen = 48

// CollectionName derives a stable collection name for a bot's source file.
// The readable stem keeps directories recognizable; the hash of the bot id
// and lowercased base name keeps names unique per (bot, file) and makes the
// same file map to the same collection on re-ingestion.
func CollectionName(botID, fileName string) string {
	base := filepath.Base(fileName)
	sum := sha256.Sum256([]byte(botID + "/" + strings.ToLower(base)))

	stem := strings.TrimSuffix(base, filepath.Ext(base))
	var b strings.Builder
	for _, r := range stem {
		if b.Len() >= maxStemLen {
			break
		}
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(unicode.ToLower(r))
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		b.WriteString("doc")
	}
	return b.String() + "_" + hex.EncodeToString(sum[:6])
}

// CollectionDir returns the directory of the collection for fileName.
func CollectionDir(botDir, botID, fileName string) string {
	return filepath.Join(botDir, CollectionsDirName, CollectionName(botID, fileName))
}

// BotDir returns the storage directory of a bot under dataDir.
func BotDir(dataDir, userID, botID string) string {
	return filepath.Join(dataDir, "bots", userID, botID)
}
