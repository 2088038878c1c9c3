package orchestrator

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/tis24dev/datadance/internal/chain"
)

// BackupListing is the remote ledger of one destination.
type BackupListing struct {
	Destination string
	History     chain.BackupHistory
}

// Write prints the chain oldest first.
func (l BackupListing) Write(w io.Writer) error {
	if l.History.Len() == 0 {
		_, err := fmt.Fprintf(w, "No backups on %s\n", l.Destination)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPARENT\tTYPE\tCOMPLETED\tFILE")
	for _, e := range l.History.Sorted() {
		parent := "-"
		if e.Parent != nil {
			parent = fmt.Sprintf("%d", *e.Parent)
		}
		completed := time.UnixMilli(int64(e.Timestamp)).UTC().Format(time.RFC3339)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.ID, parent, e.BackupType, completed, e.RemoteFilename)
	}
	return tw.Flush()
}
