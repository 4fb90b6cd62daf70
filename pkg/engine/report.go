package engine

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// Report renders the per-resource breakdown of an outcome for diagnostics.
func (o *WorkflowOutcome) Report() string {
	var b strings.Builder

	fmt.Fprintf(&b, "workflow %q: %s after %s (%d ticks", o.Workflow, o.Verdict, o.Elapsed.Round(time.Millisecond), o.Ticks)
	if o.TransientErrors > 0 {
		fmt.Fprintf(&b, ", %d transient sample errors", o.TransientErrors)
	}
	b.WriteString(")\n")

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tKIND\tSTATUS\tDETAIL")

	resources := o.Snapshot.Resources()
	if len(resources) == 0 {
		for _, id := range o.Snapshot.IDs() {
			resources = append(resources, Resource{ID: id, Kind: ResourceKind(id)})
		}
	}
	for _, r := range resources {
		obs := o.Snapshot.Observations[r.ID]
		detail := obs.Detail
		if obs.LastError != "" {
			detail = fmt.Sprintf("error x%d: %s", obs.TransientErrors, obs.LastError)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Kind, obs.Status, detail)
	}
	_ = tw.Flush()

	return b.String()
}
