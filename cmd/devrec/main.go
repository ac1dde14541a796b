// FilePath: cmd/devrec/main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	tm "github.com/buger/goterm"
	"github.com/joho/godotenv"
	nuts "github.com/vaudience/go-nuts"

	"github.com/hqbc/devrec/internal/aggregator"
	"github.com/hqbc/devrec/internal/config"
	"github.com/hqbc/devrec/internal/devserver"
	"github.com/hqbc/devrec/internal/models"
	"github.com/hqbc/devrec/internal/scanner"
	"github.com/hqbc/devrec/internal/service"
	"github.com/hqbc/devrec/internal/session"
	"github.com/hqbc/devrec/internal/transport"
)

const timeLayout = "2006-01-02 15:04"

func main() {
	ClearConsole()
	DrawLogo()
	nuts.InitVersion()

	if err := godotenv.Load(); err != nil {
		nuts.L.Debugf("[Main] No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// The serve command does not need a client session.
	if os.Args[1] == "serve" {
		runServe(cfg)
		return
	}

	sess, err := session.Open(cfg.Session.Path)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	svc := service.New(transport.New(cfg.API, sess), sess)

	ctx := context.Background()
	switch os.Args[1] {
	case "login":
		runLogin(ctx, svc, os.Args[2:])
	case "logout":
		runLogout(ctx, svc)
	case "search":
		runSearch(ctx, svc, os.Args[2:])
	case "scan":
		runScan(ctx, svc, os.Args[2:])
	case "record":
		runRecord(ctx, svc, os.Args[2:])
	case "change-password":
		runChangePassword(ctx, svc, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("Usage: devrec <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  login            log in and store the session")
	fmt.Println("  logout           log out and clear the session")
	fmt.Println("  search           search devices by keyword")
	fmt.Println("  scan             scan codes (one per stdin line) and record readings")
	fmt.Println("  record           record readings for a device by id")
	fmt.Println("  change-password  change the account password")
	fmt.Println("  serve            run the local development backend")
}

func runServe(cfg *config.Config) {
	srv, err := devserver.New(cfg.DevServer)
	if err != nil {
		log.Fatalf("Failed to start dev server: %v", err)
	}
	if err := srv.Seed(context.Background()); err != nil {
		log.Fatalf("Failed to seed dev server: %v", err)
	}
	if err := srv.Start(); err != nil {
		nuts.L.Errorf("[Main] Dev server error: %v", err)
		os.Exit(1)
	}
}

func runLogin(ctx context.Context, svc *service.Service, args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("u", "", "username")
	password := fs.String("p", "", "password")
	fs.Parse(args)

	if *username == "" {
		*username = prompt("Username: ")
	}
	if *password == "" {
		*password = prompt("Password: ")
	}

	sess, err := svc.Login(ctx, *username, *password)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Logged in as %s\n", sess.User.Username)
}

func runLogout(ctx context.Context, svc *service.Service) {
	if err := svc.Logout(ctx); err != nil {
		nuts.L.Warnf("[Main] Logout finished with error: %v", err)
	}
	fmt.Println("Logged out")
}

func runChangePassword(ctx context.Context, svc *service.Service, args []string) {
	fs := flag.NewFlagSet("change-password", flag.ExitOnError)
	fs.Parse(args)

	oldPassword := prompt("Old password: ")
	newPassword := prompt("New password: ")
	if err := svc.ChangePassword(ctx, oldPassword, newPassword); err != nil {
		fail(err)
	}
	fmt.Println("Password changed")
}

func runSearch(ctx context.Context, svc *service.Service, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	page := fs.Int("page", 0, "page number")
	size := fs.Int("size", 20, "page size")
	fs.Parse(args)

	keyword := strings.Join(fs.Args(), " ")
	result, err := svc.Search(ctx, keyword, *page, *size)
	if err != nil {
		fail(err)
	}

	table := tm.NewTable(0, 10, 3, ' ', 0)
	fmt.Fprintf(table, "ID\tCODE\tNAME\tPLANT\n")
	for _, device := range result.Content {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\n", device.ID, device.Code, device.Name, device.PlantID)
	}
	tm.Println(table)
	tm.Printf("%d device(s), page %d", result.TotalElements, result.Number)
	if result.Last {
		tm.Printf(" (last page)")
	}
	tm.Println()
	tm.Flush()
}

func runScan(ctx context.Context, svc *service.Service, args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	at := fs.String("at", "", "timestamp ("+timeLayout+"), defaults to now")
	fs.Parse(args)

	fmt.Println("Scanning. Enter one code per line (Ctrl-D to stop):")

	codes := make(chan string)
	go func() {
		defer close(codes)
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			codes <- in.Text()
		}
	}()

	var resolved []models.Device
	ctrl := scanner.New(svc,
		func(devices []models.Device) { resolved = devices },
		scanner.WithErrorHandler(func(code string, err error) {
			fmt.Printf("Code %q: %v. Keep scanning.\n", code, err)
		}),
	)
	if err := ctrl.Run(ctx, codes); err != nil {
		fail(err)
	}
	if len(resolved) == 0 {
		fmt.Println("No device scanned")
		return
	}

	runEntry(ctx, svc, resolved, parseTime(*at))
}

func runRecord(ctx context.Context, svc *service.Service, args []string) {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	deviceID := fs.String("device", "", "device id")
	at := fs.String("at", "", "timestamp ("+timeLayout+"), defaults to now")
	fs.Parse(args)

	if *deviceID == "" {
		fail(fmt.Errorf("-device is required"))
	}
	device, err := svc.FindByID(ctx, *deviceID)
	if err != nil {
		fail(err)
	}

	runEntry(ctx, svc, []models.Device{*device}, parseTime(*at))
}

// runEntry drives one aggregator session: load, show the merged view,
// collect edits from stdin and save on confirmation.
func runEntry(ctx context.Context, svc *service.Service, devices []models.Device, at time.Time) {
	agg := aggregator.New(svc, svc)
	if err := agg.Select(ctx, devices, at); err != nil {
		fail(err)
	}

	snap := agg.Snapshot()
	renderSnapshot(snap)

	in := bufio.NewScanner(os.Stdin)
	for _, view := range snap.Devices {
		for _, param := range view.Parameters {
			label := param.Name
			if param.Unit != "" {
				label += " [" + param.Unit + "]"
			}
			current := "-"
			if v, ok := snap.Values[aggregator.ValueKey{DeviceID: view.Device.ID, ParameterID: param.ID}]; ok && v != nil {
				current = strconv.FormatFloat(*v, 'f', -1, 64)
			}
			fmt.Printf("%s / %s (current %s, enter=keep, x=clear): ", view.Device.Name, label, current)
			if !in.Scan() {
				break
			}
			input := strings.TrimSpace(in.Text())
			switch input {
			case "":
				continue
			case "x":
				agg.SetValue(view.Device.ID, param.ID, nil)
			default:
				value, err := strconv.ParseFloat(input, 64)
				if err != nil {
					fmt.Println("Not a number, skipped")
					continue
				}
				agg.SetValue(view.Device.ID, param.ID, &value)
			}
		}
	}

	if strings.ToLower(prompt("Save these values? [y/N]: ")) != "y" {
		fmt.Println("Discarded")
		return
	}

	results, err := agg.Save(ctx)
	if err != nil {
		for _, r := range service.FailedResults(results) {
			fmt.Printf("  failed: %s/%s: %v\n", r.Reading.DeviceID(), r.Reading.ParameterID(), r.Err)
		}
		fail(err)
	}
	fmt.Printf("Saved %d value(s)\n", len(results))
	renderSnapshot(agg.Snapshot())
}

func renderSnapshot(snap aggregator.Snapshot) {
	tm.Printf("Readings at %s\n", snap.At.Format(timeLayout))
	table := tm.NewTable(0, 10, 3, ' ', 0)
	fmt.Fprintf(table, "DEVICE\tPARAMETER\tSYMBOL\tUNIT\tVALUE\n")
	for _, view := range snap.Devices {
		for _, param := range view.Parameters {
			value := ""
			if v, ok := snap.Values[aggregator.ValueKey{DeviceID: view.Device.ID, ParameterID: param.ID}]; ok {
				if v == nil {
					value = "null"
				} else {
					value = strconv.FormatFloat(*v, 'f', -1, 64)
				}
			}
			fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n",
				view.Device.Name, param.Name, param.Symbol, param.Unit, value)
		}
	}
	tm.Println(table)
	tm.Flush()
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Now()
	}
	t, err := time.ParseInLocation(timeLayout, raw, time.Local)
	if err != nil {
		fail(fmt.Errorf("invalid timestamp %q, want %s", raw, timeLayout))
	}
	return t
}

func prompt(label string) string {
	fmt.Print(label)
	in := bufio.NewScanner(os.Stdin)
	if !in.Scan() {
		return ""
	}
	return strings.TrimSpace(in.Text())
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// ClearConsole clears the console screen and moves the cursor home.
func ClearConsole() {
	tm.Clear()
	tm.MoveCursor(1, 1)
	tm.Flush()
}

func DrawLogo() {
	fmt.Println()
	lines := []string{
		"    ____            ____           ",
		"   / __ \\___ _   __/ __ \\___  _____",
		"  / / / / _ \\ | / / /_/ / _ \\/ ___/",
		" / /_/ /  __/ |/ / _, _/  __/ /__  ",
		"/_____/\\___/|___/_/ |_|\\___/\\___/  ",
		"...................................  " + nuts.GetVersion(),
	}

	for _, line := range lines {
		fmt.Println(line)
	}
}
