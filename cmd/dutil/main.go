// Dutil is a command line tool operating directly on a depot directory.
// It does not talk to a depotd server; use dclient for that.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/packdepot/depot/depot"
	"github.com/packdepot/depot/pack"
	"github.com/packdepot/depot/view"
)

var (
	depotRoot = flag.String("root", ".", "location of the depot directory")
	force     = flag.Bool("force", false, "skip last-copy confirmations")
	dryrun    = flag.Bool("dryrun", false, "report what would happen without doing it")
	overwrite = flag.Bool("overwrite", false, "replace an existing pack on import")
	usage     = `
dutil <command> <command arguments>

Possible commands:
    init

    target <name> <kind>=<path> ...
    backup-config <root> [off]

    list
    pack <pack name list>
    save <pack.json file>
    rm <pack name>

    install <pack name>
    use <pack name> <target list>
    back <target list>
    status

    adopt <file>
    impacts <sha256>
    rmblob <sha256> [local|backup]

    inventory
    cleanup
    backup-status
    sync [backup|restore]

    export <pack name> <bundle file>
    import <bundle file>

    doctor
`
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println(usage)
		return
	}

	if args[0] == "init" {
		d, err := depot.Init(*depotRoot, nil)
		if err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		d.Close()
		fmt.Println("Initialized depot at", *depotRoot)
		return
	}

	d, err := depot.Open(*depotRoot, nil)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	defer d.Close()

	switch args[0] {
	case "target":
		dotarget(d, args[1:])
	case "backup-config":
		dobackupconfig(d, args[1:])
	case "list":
		dolist(d)
	case "pack":
		dopack(d, args[1:])
	case "save":
		dosave(d, args[1:])
	case "rm":
		dorm(d, args[1:])
	case "install":
		doinstall(d, args[1:])
	case "use":
		douse(d, args[1:])
	case "back":
		doback(d, args[1:])
	case "status":
		dostatus(d)
	case "adopt":
		doadopt(d, args[1:])
	case "impacts":
		doimpacts(d, args[1:])
	case "rmblob":
		dormblob(d, args[1:])
	case "inventory":
		doinventory(d)
	case "cleanup":
		docleanup(d)
	case "backup-status":
		dobackupstatus(d)
	case "sync":
		dosync(d, args[1:])
	case "export":
		doexport(d, args[1:])
	case "import":
		doimport(d, args[1:])
	case "doctor":
		dodoctor(d)
	default:
		fmt.Println("Unknown command", args[0])
		fmt.Println(usage)
	}
}

func dotarget(d *depot.Depot, args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: dutil target <name> <kind>=<path> ...")
		return
	}
	kinds := make(map[string]string)
	for _, arg := range args[1:] {
		v := strings.SplitN(arg, "=", 2)
		if len(v) != 2 {
			fmt.Println("Bad kind mapping", arg)
			return
		}
		kinds[v[0]] = v[1]
	}
	err := d.ConfigureTarget(args[0], kinds)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Configured target", args[0])
}

func dobackupconfig(d *depot.Depot, args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: dutil backup-config <root> [off]")
		return
	}
	enabled := !(len(args) > 1 && args[1] == "off")
	err := d.ConfigureBackup(args[0], enabled)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Printf("Backup root %s (enabled=%v)\n", args[0], enabled)
}

func dolist(d *depot.Depot) {
	names, err := d.ListPacks()
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func dopack(d *depot.Depot, names []string) {
	for _, name := range names {
		p, lock, err := d.GetPack(name)
		if err != nil {
			fmt.Printf("%s: Error %s\n", name, err.Error())
			continue
		}
		printpack(p, lock)
	}
}

func printpack(p *pack.Pack, lock *pack.Lock) {
	fmt.Println("Pack:", p.Name)
	if p.Type != "" {
		fmt.Println("Type:", p.Type)
	}
	if p.Source != "" {
		fmt.Println("Source:", p.Source)
	}
	for _, dep := range p.Dependencies {
		fmt.Println("---")
		w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
		fmt.Fprintf(w, "Dep:\t%s\n", dep.ID)
		fmt.Fprintf(w, "Kind:\t%s\n", dep.Kind)
		fmt.Fprintf(w, "Policy:\t%s\n", dep.Policy)
		fmt.Fprintf(w, "Selector:\t%s\n", selectorText(dep.Selector))
		if dep.Expose.Filename != "" {
			fmt.Fprintf(w, "Expose:\t%s\n", dep.Expose.Filename)
		}
		if lock != nil {
			if r, ok := lock.Resolved[dep.ID]; ok {
				fmt.Fprintf(w, "SHA256:\t%s\n", r.SHA256)
				fmt.Fprintf(w, "Size:\t%d\n", r.Size)
				fmt.Fprintf(w, "Version:\t%s\n", r.VersionName)
				fmt.Fprintf(w, "Verified:\t%v\n", r.Verified)
			}
			if u, ok := lock.Unresolved[dep.ID]; ok {
				fmt.Fprintf(w, "Unresolved:\t%s\n", u.Reason)
			}
		}
		w.Flush()
	}
}

func selectorText(sel pack.Selector) string {
	switch sel.Strategy {
	case pack.StrategyVersion:
		return fmt.Sprintf("%s %s version %s", sel.Provider, sel.ModelID, sel.VersionID)
	case pack.StrategyLatest:
		return fmt.Sprintf("%s %s latest", sel.Provider, sel.ModelID)
	case pack.StrategySearch:
		return fmt.Sprintf("%s search %q", sel.Provider, sel.Query)
	case pack.StrategyPack:
		return fmt.Sprintf("pack %s", sel.Pack)
	}
	return sel.Strategy
}

func dosave(d *depot.Depot, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: dutil save <pack.json file>")
		return
	}
	data, err := ioutil.ReadFile(args[0])
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	var p pack.Pack
	err = json.Unmarshal(data, &p)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	err = d.SavePack(&p)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Saved pack", p.Name)
}

func dorm(d *depot.Depot, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: dutil rm <pack name>")
		return
	}
	err := d.DeletePack(args[0])
	if err != nil {
		fmt.Println("Error:", err)
	}
}

func doinstall(d *depot.Depot, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: dutil install <pack name>")
		return
	}
	report, err := d.Install(context.Background(), args[0])
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	for _, item := range report.Items {
		switch {
		case item.Err != "":
			fmt.Printf("%s: Error %s\n", item.DepID, item.Err)
		case item.Skipped:
			fmt.Printf("%s: already present\n", item.DepID)
		default:
			fmt.Printf("%s: downloaded %s\n", item.DepID, item.SHA256)
		}
	}
	if report.Failed() {
		os.Exit(1)
	}
}

func douse(d *depot.Depot, args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: dutil use <pack name> <target list>")
		return
	}
	result, err := d.Use(args[0], args[1:])
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Active profile:", result.Profile)
	for target, r := range result.Reports {
		fmt.Printf("%s: %d created, %d pruned\n", target, r.Created, r.Pruned)
	}
	printgaps(result.Gaps)
}

func doback(d *depot.Depot, args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: dutil back <target list>")
		return
	}
	results, err := d.Back(args)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	for _, r := range results {
		if r.AlreadyAtBase {
			fmt.Printf("%s: already at base\n", r.Target)
			continue
		}
		fmt.Printf("%s: %s -> %s\n", r.Target, r.From, r.To)
	}
}

func dostatus(d *depot.Depot) {
	statuses, err := d.Status()
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Target\tActive\tStack\n")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Target, s.Active, strings.Join(s.Stack, " "))
	}
	w.Flush()
}

func doadopt(d *depot.Depot, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: dutil adopt <file>")
		return
	}
	sha, err := d.AdoptBlob(args[0])
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println(sha)
}

func doimpacts(d *depot.Depot, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: dutil impacts <sha256>")
		return
	}
	imp, err := d.BlobImpacts(args[0])
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "SHA256:\t%s\n", imp.SHA256)
	fmt.Fprintf(w, "RefCount:\t%d\n", imp.RefCount)
	fmt.Fprintf(w, "Packs:\t%s\n", strings.Join(imp.Packs, " "))
	fmt.Fprintf(w, "SafeToDelete:\t%v\n", imp.SafeToDelete)
	fmt.Fprintf(w, "LastCopy:\t%v\n", imp.LastCopy)
	w.Flush()
}

func dormblob(d *depot.Depot, args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: dutil rmblob <sha256> [local|backup]")
		return
	}
	side := "local"
	if len(args) > 1 {
		side = args[1]
	}
	warning, err := d.DeleteBlob(args[0], side, *force)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if warning != "" {
		fmt.Println("Warning:", warning)
	}
	fmt.Println("Deleted", args[0], "from", side)
}

func doinventory(d *depot.Depot) {
	items, err := d.GetInventory()
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "SHA256\tStatus\tLocation\tRefs\tSize\n")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			item.SHA256, item.Status, item.Location, item.RefCount, item.Size)
	}
	w.Flush()
}

func docleanup(d *depot.Depot) {
	report, err := d.CleanupOrphans(*dryrun, 0)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	verb := "Deleted"
	if report.DryRun {
		verb = "Would delete"
	}
	fmt.Printf("%s %d of %d blobs, %d bytes\n",
		verb, report.Deleted, report.Examined, report.BytesFreed)
	for _, e := range report.Errors {
		fmt.Printf("%s: Error %s\n", e.SHA256, e.Err)
	}
}

func dobackupstatus(d *depot.Depot) {
	status, err := d.BackupStatus()
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Enabled:\t%v\n", status.Enabled)
	fmt.Fprintf(w, "Root:\t%s\n", status.Root)
	fmt.Fprintf(w, "Connected:\t%v\n", status.Connected)
	fmt.Fprintf(w, "Blobs:\t%d\n", status.Blobs)
	fmt.Fprintf(w, "Bytes:\t%d\n", status.Bytes)
	w.Flush()
}

func dosync(d *depot.Depot, args []string) {
	direction := "backup"
	if len(args) > 0 {
		direction = args[0]
	}
	report, err := d.SyncBackup(direction, *dryrun)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	verb := "Copied"
	if report.DryRun {
		verb = "Would copy"
	}
	fmt.Printf("%s %d of %d blobs, %d bytes (%s)\n",
		verb, report.Copied, report.Considered, report.Bytes, report.Direction)
	for _, e := range report.Errors {
		fmt.Printf("%s: Error %s\n", e.SHA256, e.Err)
	}
}

func doexport(d *depot.Depot, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: dutil export <pack name> <bundle file>")
		return
	}
	f, err := os.Create(args[1])
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	report, err := d.ExportPack(f, args[0])
	f.Close()
	if err != nil {
		os.Remove(args[1])
		fmt.Println("Error:", err)
		return
	}
	fmt.Printf("Exported %s: %d blobs, %d previews, %d bytes\n",
		report.Pack, report.Blobs, report.Previews, report.Bytes)
}

func doimport(d *depot.Depot, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: dutil import <bundle file>")
		return
	}
	f, err := os.Open(args[0])
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	report, err := d.ImportPack(f, info.Size(), *overwrite)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Printf("Imported %s: %d blobs, %d previews\n",
		report.Pack, report.Blobs, report.Previews)
}

func dodoctor(d *depot.Depot) {
	report, err := d.Doctor()
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	var targets []string
	for target := range report.Rebuilt {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		r := report.Rebuilt[target]
		fmt.Printf("%s: %d created, %d pruned\n", target, r.Created, r.Pruned)
	}
	if report.PartialRemoved > 0 {
		fmt.Println("Removed", report.PartialRemoved, "partial downloads")
	}
	if report.ProfilesDropped > 0 {
		fmt.Println("Dropped", report.ProfilesDropped, "unused work profiles")
	}
	printgaps(report.Gaps)
	for _, e := range report.Errors {
		fmt.Println("Error:", e)
	}
}

func printgaps(gaps []view.Gap) {
	for _, g := range gaps {
		fmt.Printf("Missing %s/%s: %s\n", g.Pack, g.DepID, g.Reason)
	}
}
