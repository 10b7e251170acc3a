package schema

import (
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/sha3"
)

// InternalSchema holds progress and drop-script bookkeeping tables.
const InternalSchema = "rindexer_internal"

// maxIdentLen is PostgreSQL's NAMEDATALEN-1.
const maxIdentLen = 63

// CamelToSnake converts "OrderFilled" to "order_filled" and "tokenID" to
// "token_id". Characters other than letters, digits and '_' are dropped.
func CamelToSnake(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range rs {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			continue
		}
		if unicode.IsUpper(r) {
			if i > 0 {
				prevUpper := unicode.IsUpper(rs[i-1])
				nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
				if (!prevUpper || nextLower) && rs[i-1] != '_' && b.Len() > 0 {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ident shortens a generated identifier to fit PostgreSQL's limit. Longer
// names keep a prefix and gain a keccak suffix so that distinct inputs stay
// distinct instead of being silently truncated to the same name.
func Ident(name string) string {
	if len(name) <= maxIdentLen {
		return name
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(name))
	suffix := hex.EncodeToString(h.Sum(nil))[:8]

	prefix := name[:maxIdentLen-len(suffix)-1]
	// Do not split a multi-byte rune.
	for len(prefix) > 0 && !utf8Start(name[len(prefix)]) {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix + "_" + suffix
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// Quote returns the quoted, dot-joined form of an identifier path, e.g.
// Quote("my_schema", "transfer") -> "my_schema"."transfer".
func Quote(parts ...string) string {
	id := make(pgx.Identifier, len(parts))
	for i, p := range parts {
		id[i] = Ident(p)
	}
	return id.Sanitize()
}

// QuoteLiteral renders s as a SQL string literal for generated DDL scripts.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// FilterContractName is the name a log-filter contract is stored under.
func FilterContractName(name string) string {
	return name + "Filter"
}

// ContractSchemaName is the schema holding one contract's event tables.
func ContractSchemaName(indexer, contract string) string {
	return Ident(CamelToSnake(indexer) + "_" + CamelToSnake(contract))
}

// EventTableName is the table name of an event inside its contract schema.
func EventTableName(event string) string {
	return Ident(CamelToSnake(event))
}

// EventTableFullName is the unquoted schema.table form, used in logs and
// error messages.
func EventTableFullName(indexer, contract, event string) string {
	return ContractSchemaName(indexer, contract) + "." + EventTableName(event)
}

// ColumnName joins a flattened input path into its column name.
func ColumnName(path []string) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = CamelToSnake(p)
	}
	return Ident(strings.Join(parts, "_"))
}

// ProgressTableName is the per-event {network, last_synced_block} table in
// InternalSchema.
func ProgressTableName(indexer, contract, event string) string {
	return Ident(ContractSchemaName(indexer, contract) + "_" + CamelToSnake(event))
}

func RelationshipDropTableName(indexer string) string {
	return Ident(CamelToSnake(indexer) + "_last_known_relationship_dropping_sql")
}

func IndexDropTableName(indexer string) string {
	return Ident(CamelToSnake(indexer) + "_last_known_indexes_dropping_sql")
}
