package types

import (
	"time"

	"github.com/OpenPrinting/goipp"
)

// Printer represents a destination: a physical print queue or a class
// (named group of printers used for load balancing).
type Printer struct {
	ID   int
	Name string
	UUID string

	// IsClass marks this destination as a class. Members holds the
	// ordered member printer names; classes never contain classes.
	IsClass bool
	Members []string

	Location     string
	GeoLocation  string
	Info         string
	Organization string
	OrgUnit      string
	MakeModel    string
	DeviceURI    string
	PortMonitor  string

	State        PrinterState
	StateMessage string
	StateReasons []string
	StateTime    time.Time

	Accepting      bool
	Shared         bool
	Temporary      bool
	Remote         bool
	HoldingNewJobs bool

	// Users is the destination ACL. DenyUsers inverts it: the listed
	// names (or "@group" / "#uuid" entries) are denied instead of allowed.
	Users     []string
	DenyUsers bool

	OpPolicy    string
	ErrorPolicy string

	// JobSheets holds the banner defaults (start, end).
	JobSheets [2]string

	// Quota limits. A zero limit means unlimited.
	QuotaPeriod int // seconds in the rolling window
	PageLimit   int
	KLimit      int

	// Defaults maps option name to default value, applied to new jobs
	// without overriding user-supplied choices.
	Defaults map[string]string

	AuthInfoRequired []string

	// MimeTypes lists the accepted document formats. Empty means all
	// formats are accepted.
	MimeTypes []string

	CreatedAt time.Time
}

// PrinterState is the IPP printer-state enum.
type PrinterState int

const (
	PrinterIdle       PrinterState = 3
	PrinterProcessing PrinterState = 4
	PrinterStopped    PrinterState = 5
)

// Printer state reason keywords.
const (
	ReasonNone        = "none"
	ReasonPaused      = "paused"
	ReasonHoldNewJobs = "hold-new-jobs"
)

// Job represents a unit of print work.
type Job struct {
	ID   int
	UUID string
	Name string

	// User is the authenticated identity (or accepted name) that
	// submitted the job; Host is the originating host.
	User string
	Host string

	// Dest names the target destination. The name survives destination
	// deletion; DestIsClass records the kind at submission time.
	Dest        string
	DestIsClass bool

	Priority int
	State    JobState

	StateReasons []string

	// HoldUntil is the absolute release time for held jobs. The zero
	// time means no hold; HoldIndefinite overrides it.
	HoldUntil      time.Time
	HoldIndefinite bool

	Files []JobFile

	KOctets              int
	ImpressionsCompleted int
	SheetsCompleted      int

	CreatedAt    time.Time
	ProcessingAt time.Time
	CompletedAt  time.Time

	// Attrs is the full user-supplied and system-generated attribute
	// set. Persisted separately in IPP binary form.
	Attrs goipp.Attributes `json:"-"`

	// Credential cache: number of aNNNNN entries on disk plus the
	// optional authenticated uid.
	NumCreds int
	AuthUID  int
}

// JobState is the IPP job-state enum.
type JobState int

const (
	JobPending    JobState = 3
	JobHeld       JobState = 4
	JobProcessing JobState = 5
	JobStopped    JobState = 6
	JobCanceled   JobState = 7
	JobAborted    JobState = 8
	JobCompleted  JobState = 9
)

// Terminal reports whether the state admits no further transitions
// short of Restart-Job.
func (s JobState) Terminal() bool {
	return s >= JobCanceled
}

// Active reports whether the job still occupies a queue slot.
func (s JobState) Active() bool {
	return s <= JobStopped
}

// Job state reason keywords.
const (
	JobReasonNone            = "none"
	JobReasonIncoming        = "job-incoming"
	JobReasonHoldUntil       = "job-hold-until-specified"
	JobReasonQueued          = "job-queued"
	JobReasonPrinting        = "job-printing"
	JobReasonStopping        = "processing-to-stop-point"
	JobReasonCanceledByUser  = "job-canceled-by-user"
	JobReasonAbortedBySystem = "aborted-by-system"
	JobReasonCompleted       = "job-completed-successfully"
	JobReasonHeldForAuth     = "cups-held-for-authentication"
	JobReasonPrinterStopped  = "printer-stopped"
	JobReasonRestarted       = "job-restarted"
)

// JobFile is one document within a job. Path is relative to the spool
// request root and encodes the job id and document index (dNNNNN-KKK).
type JobFile struct {
	Path       string
	MimeType   string
	Compressed bool
}

// Subscription is a standing request for event notifications.
type Subscription struct {
	ID    int
	Owner string

	// Scope: empty PrinterName and zero JobID means server-wide.
	PrinterName string
	JobID       int

	Events EventMask

	// RecipientURI selects push delivery through the notifier matching
	// its scheme. Empty RecipientURI with PullMethod "ippget" selects
	// pull delivery via Get-Notifications.
	RecipientURI string
	PullMethod   string

	UserData []byte
	Interval int

	// Lease in seconds; zero never expires. Expire is derived.
	Lease  int
	Expire time.Time

	// FirstEventID is the sequence number of the oldest queued event;
	// NextEventID is assigned to the next captured event. Sequence
	// numbers start at 1 and are dense per subscription, so
	// FirstEventID + len(Queued) == NextEventID.
	FirstEventID int
	NextEventID  int

	Queued []*Event
}

// Event is a captured notification record.
type Event struct {
	Seq  int
	Time time.Time
	Kind EventMask
	Text string

	PrinterName string
	JobID       int

	// Attrs is the snapshot rendered into the notification, sufficient
	// to build the event-notification group after the scope is gone.
	Attrs goipp.Attributes `json:"-"`
}

// EventMask is a bitfield over the known event kinds.
type EventMask uint32

const (
	EventPrinterStateChanged EventMask = 1 << iota
	EventPrinterRestarted
	EventPrinterShutdown
	EventPrinterStopped
	EventPrinterAdded
	EventPrinterDeleted
	EventPrinterModified
	EventJobStateChanged
	EventJobCreated
	EventJobCompleted
	EventJobConfigChanged
	EventJobProgress
	EventServerRestarted
	EventServerStarted
	EventServerStopped
	EventServerAudit

	EventPrinterChanged = EventPrinterStateChanged | EventPrinterRestarted |
		EventPrinterShutdown | EventPrinterStopped | EventPrinterAdded |
		EventPrinterDeleted | EventPrinterModified
	EventJobChanged = EventJobStateChanged | EventJobCreated |
		EventJobCompleted | EventJobConfigChanged | EventJobProgress
	EventAll EventMask = 0xffff
)

var eventNames = map[EventMask]string{
	EventPrinterStateChanged: "printer-state-changed",
	EventPrinterRestarted:    "printer-restarted",
	EventPrinterShutdown:     "printer-shutdown",
	EventPrinterStopped:      "printer-stopped",
	EventPrinterAdded:        "printer-added",
	EventPrinterDeleted:      "printer-deleted",
	EventPrinterModified:     "printer-modified",
	EventJobStateChanged:     "job-state-changed",
	EventJobCreated:          "job-created",
	EventJobCompleted:        "job-completed",
	EventJobConfigChanged:    "job-config-changed",
	EventJobProgress:         "job-progress",
	EventServerRestarted:     "server-restarted",
	EventServerStarted:       "server-started",
	EventServerStopped:       "server-stopped",
	EventServerAudit:         "server-audit",
}

// Name returns the notify-events keyword for a single-bit mask, or
// "all" for EventAll.
func (m EventMask) Name() string {
	if m == EventAll {
		return "all"
	}
	if name, ok := eventNames[m]; ok {
		return name
	}
	return "none"
}

// Names expands a mask into its notify-events keywords.
func (m EventMask) Names() []string {
	if m == EventAll {
		return []string{"all"}
	}
	var names []string
	for bit := EventMask(1); bit != 0 && bit <= m; bit <<= 1 {
		if m&bit != 0 {
			if name, ok := eventNames[bit]; ok {
				names = append(names, name)
			}
		}
	}
	return names
}

// ParseEventMask maps a notify-events keyword to its mask bit.
func ParseEventMask(name string) (EventMask, bool) {
	if name == "all" {
		return EventAll, true
	}
	for bit, n := range eventNames {
		if n == name {
			return bit, true
		}
	}
	return 0, false
}
