// Command policycheck validates admission policy documents before they are
// published, and shows which policy a given request would be charged against.
//
//	policycheck policies.yaml
//	policycheck -endpoint "POST /v1/orders" -tier free -principal alice policies.yaml
//	policycheck -json policies.yaml > normalized.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/keithlinneman/linnemanlabs-admission/internal/identity"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policysource"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	json bool
	rc   identity.RequestContext
}

func (o options) explain() bool {
	rc := o.rc
	return rc.Endpoint != "" || rc.Tier != "" || rc.Principal != "" || rc.APIKeyID != "" || rc.SourceIP != ""
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policycheck", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	fs.BoolVar(&o.json, "json", false, "print the normalized document as JSON")
	fs.StringVar(&o.rc.Endpoint, "endpoint", "", `explain: request endpoint, "METHOD /path"`)
	fs.StringVar(&o.rc.Tier, "tier", "", "explain: caller tier")
	fs.StringVar(&o.rc.Principal, "principal", "", "explain: authenticated principal")
	fs.StringVar(&o.rc.APIKeyID, "apikey", "", "explain: api key id")
	fs.StringVar(&o.rc.SourceIP, "ip", "", "explain: source ip")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: policycheck [flags] file...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	status := 0
	for _, path := range fs.Args() {
		if err := check(ctx, path, o, stdout); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", path, err)
			status = 1
		}
	}
	return status
}

func check(ctx context.Context, path string, o options, w io.Writer) error {
	digest, set, err := policysource.LoadCurrent(ctx, policysource.NewFileSource(path))
	if err != nil {
		return err
	}
	reg, err := policy.NewRegistry(*set)
	if err != nil {
		return err
	}
	snap := reg.Snapshot()

	if o.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.Document())
	}

	fmt.Fprintf(w, "%s: ok version=%s sha256=%s policies=%d overrides=%d\n",
		path, snap.Version, digest, len(snap.Policies()), len(snap.Overrides()))

	// resolution order, first match wins
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tKIND\tENDPOINT\tTIER\tWINDOW\tQUOTA\tBURST\tRANK")
	for _, p := range snap.Policies() {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			p.ID, p.Selector.Kind(), orAny(p.Selector.Endpoint), orAny(p.Selector.Tier),
			p.Window, p.Quota, p.Burst, p.Rank)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, ov := range snap.Overrides() {
		fmt.Fprintf(w, "  override %s -> %s\n", ov, ov.Effect)
	}

	if o.explain() {
		res := identity.NewResolver(reg).Resolve(ctx, o.rc)
		fmt.Fprintf(w, "explain: key=%s policy=%s limit=%d window=%s\n",
			res.Key, res.Policy.ID, res.Policy.Limit(), res.Policy.Window)
		if ov, ok := res.Snapshot.MatchOverride(res.Attrs); ok {
			fmt.Fprintf(w, "explain: override %s forces %s\n", ov, ov.Effect)
		}
	}
	return nil
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
