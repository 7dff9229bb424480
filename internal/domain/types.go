// Package domain holds the core types shared across the migration engine:
// the resumable session, scan artifacts (manifest, table descriptors), the
// wire units (chunks, row batches), and the error taxonomy.
package domain

import "time"

// Phase is a migration session phase.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseScanning             Phase = "scanning"
	PhaseScanComplete         Phase = "scan_complete"
	PhaseTransferringDatabase Phase = "transferring_database"
	PhaseTransferringFiles    Phase = "transferring_files"
	PhaseFinalizing           Phase = "finalizing"
	PhaseComplete             Phase = "complete"
	PhasePaused               Phase = "paused"
	PhaseError                Phase = "error"
	PhaseCancelled            Phase = "cancelled"
)

// InProgress reports whether the phase is one the driver can advance from.
func (p Phase) InProgress() bool {
	switch p {
	case PhaseScanning, PhaseScanComplete, PhaseTransferringDatabase, PhaseTransferringFiles, PhaseFinalizing:
		return true
	}
	return false
}

// Terminal reports whether the session can never be resumed from this phase.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseCancelled
}

// DatabaseCursor tracks row-transfer progress within the table list.
// RowsOffset is only used for tables paged by offset fallback; LastKey is
// the opaque keyset cursor otherwise.
type DatabaseCursor struct {
	TableIndex int    `json:"table_index"`
	RowsOffset int64  `json:"rows_offset"`
	LastKey    string `json:"last_key"`
	// SchemaApplied marks that the current table's DDL already ran, so a
	// resume mid-table must not re-create it.
	SchemaApplied bool `json:"schema_applied"`
}

// FileCursor tracks file-transfer progress through the manifest.
type FileCursor struct {
	FileIndex  int             `json:"file_index"`
	ByteOffset int64           `json:"byte_offset"`
	Completed  map[string]bool `json:"completed"`
}

// MarkCompleted records a finished file path.
func (fc *FileCursor) MarkCompleted(path string) {
	if fc.Completed == nil {
		fc.Completed = make(map[string]bool)
	}
	fc.Completed[path] = true
}

// Stats aggregates transfer progress counters and the per-unit error log.
type Stats struct {
	BytesTransferred int64     `json:"bytes_transferred"`
	RowsTransferred  int64     `json:"rows_transferred"`
	FilesTransferred int64     `json:"files_transferred"`
	RetryCount       int64     `json:"retry_count"`
	Errors           []UnitErr `json:"errors,omitempty"`
}

// UnitErr is one logged, non-fatal failure (a skipped row, a rejected
// archive entry, a failed file).
type UnitErr struct {
	At      time.Time `json:"at"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
}

// LogError appends a unit error to the stats error log.
func (s *Stats) LogError(subject, message string) {
	s.Errors = append(s.Errors, UnitErr{At: time.Now().UTC(), Subject: subject, Message: message})
}

// Session is the resumable unit of migration work. The file manifest is
// deliberately absent: it is re-fetched from the source on resume rather
// than persisted (the source tree is the only authority for it).
type Session struct {
	ID             string         `json:"id"`
	Phase          Phase          `json:"phase"`
	SourceURL      string         `json:"source_url"`
	SourceSecret   string         `json:"source_secret"`
	SourceSiteURL  string         `json:"source_site_url,omitempty"`
	PrefixSource   string         `json:"prefix_source"`
	PrefixDest     string         `json:"prefix_dest"`
	Tables         []Table        `json:"tables,omitempty"`
	DatabaseCursor DatabaseCursor `json:"database_cursor"`
	FileCursor     FileCursor     `json:"file_cursor"`
	Paused         bool           `json:"paused"`
	Cancelled      bool           `json:"cancelled"`
	LastError      string         `json:"last_error,omitempty"`
	Stats          Stats          `json:"stats"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// EffectivePhase folds the pause/cancel flags and last error into the
// phase reported to operators.
func (s *Session) EffectivePhase() Phase {
	switch {
	case s.Cancelled:
		return PhaseCancelled
	case s.Paused:
		return PhasePaused
	case s.LastError != "" && !s.Phase.Terminal():
		return PhaseError
	default:
		return s.Phase
	}
}

// SourceInfo is the capability and identity information returned by the
// source handshake.
type SourceInfo struct {
	Version     string `json:"version"`
	SiteURL     string `json:"site_url"`
	TablePrefix string `json:"table_prefix"`
	// Origin echoes the caller's Origin header when the source allow-lists
	// it, so browser-driven destinations can confirm CORS before a pull.
	Origin string `json:"origin,omitempty"`
}

// Table describes one source table queued for transfer.
type Table struct {
	SourceName string `json:"source_name"`
	DestName   string `json:"dest_name"`
	RowCount   int64  `json:"row_count"`
}

// ManifestEntry is one file eligible for transfer, produced by the Scan
// phase after exclude rules run. Large files go through the chunk
// transport; the rest are grouped into archive batches.
type ManifestEntry struct {
	RelativePath string `json:"path"`
	SizeBytes    int64  `json:"size"`
	ModTime      int64  `json:"mtime"`
	IsLarge      bool   `json:"is_large"`
}

// Chunk is one checksummed byte range of a file. Offset zero means
// truncate-and-create on the destination; any other offset appends at the
// destination file's current end.
type Chunk struct {
	Path        string `json:"path"`
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
	PayloadB64  string `json:"payload"`
	MD5Checksum string `json:"md5"`
}

// ColumnValue is one column's wire form. Binary or non-UTF8 values travel
// base64-encoded with the marker set; NULL is a nil Value.
type ColumnValue struct {
	Value  *string `json:"v"`
	Base64 bool    `json:"b64,omitempty"`
}

// Row is one table row keyed by column name.
type Row map[string]ColumnValue

// RowBatch is one keyset page of rows. HasMore is a heuristic (a full page
// might be the last); callers page until a short page arrives.
type RowBatch struct {
	Table      string `json:"table"`
	Rows       []Row  `json:"rows"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// ProtectedEntities is the Smart-Merge policy table: destination rows and
// options that must survive the migration so the destination stays
// operable and the acting operator keeps their session.
type ProtectedEntities struct {
	AccountsTable       string
	AccountAttrsTable   string
	OptionsTable        string
	ProtectedOptions    []string
	OperatorIdentityKey string
}
