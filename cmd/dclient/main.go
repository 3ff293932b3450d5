// Dclient talks to a depotd server over its REST API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/antonholmquist/jason"

	"github.com/packdepot/depot/clientapi"
	"github.com/packdepot/depot/pack"
)

var (
	server    = flag.String("server", "http://localhost:14000", "depot server to use")
	token     = flag.String("token", "", "API token (also read from $DEPOT_TOKEN)")
	chunksize = flag.Int("chunksize", 10, "chunk size of uploads (in megabytes)")
	kind      = flag.String("kind", "checkpoint", "asset kind of an uploaded file")
	dryrun    = flag.Bool("dryrun", false, "report what would happen without doing it")
	usage     = `
dclient <command> <command arguments>

Possible commands:

    list
    pack <pack name>
    save <pack.json file>
    rm <pack name>

    resolve <pack name>
    install <pack name>
    updates <pack name>
    update <pack name>

    use <pack name> <target list>
    back <target list>
    status

    upload <file list>
    get <sha256> <output file>
    export <pack name> <bundle file>

    inventory
    cleanup
    backup-status
    sync [backup|restore]
    fixity [sha256]
    fixity-schedule
    doctor
`
)

func main() {
	flag.Parse()

	if *token == "" {
		*token = os.Getenv("DEPOT_TOKEN")
	}
	conn := &clientapi.Connection{
		HostURL:   *server,
		ChunkSize: *chunksize * (1 << 20),
		Token:     *token,
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println(usage)
		return
	}

	var err error
	switch args[0] {
	case "list":
		err = dolist(conn)
	case "pack":
		err = printObj(conn.GetPack(arg(args, 1)))
	case "save":
		err = dosave(conn, arg(args, 1))
	case "rm":
		err = conn.DeletePack(arg(args, 1))
	case "resolve":
		err = printObj(conn.Resolve(arg(args, 1)))
	case "install":
		err = printObj(conn.Install(arg(args, 1)))
	case "updates":
		err = printObj(conn.CheckUpdates(arg(args, 1)))
	case "update":
		err = printObj(conn.Update(arg(args, 1), nil, *dryrun))
	case "use":
		if len(args) < 3 {
			fmt.Println("Usage: dclient use <pack name> <target list>")
			return
		}
		err = printObj(conn.Use(args[1], args[2:]))
	case "back":
		err = conn.Back(os.Stdout, args[1:])
	case "status":
		err = conn.Status(os.Stdout)
	case "upload":
		err = doupload(conn, args[1:])
	case "get":
		err = doget(conn, args[1:])
	case "export":
		err = doexport(conn, args[1:])
	case "inventory":
		err = conn.Inventory(os.Stdout)
	case "cleanup":
		err = printObj(conn.CleanupOrphans(*dryrun, 0))
	case "backup-status":
		err = printObj(conn.BackupStatus())
	case "sync":
		direction := "backup"
		if len(args) > 1 {
			direction = args[1]
		}
		err = printObj(conn.SyncBackup(direction, *dryrun))
	case "fixity":
		err = conn.Fixity(os.Stdout, arg(args, 1))
	case "fixity-schedule":
		err = printObj(conn.ScheduleFixity())
	case "doctor":
		err = printObj(conn.Doctor())
	default:
		fmt.Println("Unknown command", args[0])
		fmt.Println(usage)
		return
	}
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

// arg returns args[i], or "" when there are not that many arguments.
func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func printObj(obj *jason.Object, err error) error {
	if err != nil {
		return err
	}
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	fmt.Println()
	return nil
}

func dolist(conn *clientapi.Connection) error {
	names, err := conn.ListPacks()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func dosave(conn *clientapi.Connection, file string) error {
	data, err := ioutil.ReadFile(file)
	if err != nil {
		return err
	}
	var p pack.Pack
	err = json.Unmarshal(data, &p)
	if err != nil {
		return err
	}
	return conn.SavePack(&p)
}

func doupload(conn *clientapi.Connection, files []string) error {
	if len(files) == 0 {
		fmt.Println("Usage: dclient upload <file list>")
		return nil
	}
	for _, file := range files {
		sha, err := conn.UploadFile(file, *kind)
		if err != nil {
			return fmt.Errorf("%s: %s", file, err)
		}
		fmt.Printf("%s  %s\n", sha, file)
	}
	return nil
}

func doget(conn *clientapi.Connection, args []string) error {
	if len(args) != 2 {
		fmt.Println("Usage: dclient get <sha256> <output file>")
		return nil
	}
	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	err = conn.DownloadBlob(f, args[0])
	f.Close()
	if err != nil {
		os.Remove(args[1])
	}
	return err
}

func doexport(conn *clientapi.Connection, args []string) error {
	if len(args) != 2 {
		fmt.Println("Usage: dclient export <pack name> <bundle file>")
		return nil
	}
	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	err = conn.ExportPack(f, args[0])
	f.Close()
	if err != nil {
		os.Remove(args[1])
	}
	return err
}
