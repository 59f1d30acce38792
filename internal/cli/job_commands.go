package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// parseJobID parses the flags of status/cancel and returns the job id given
// either positionally or with --id.
func parseJobID(name string, args []string) (id string, jsonOut bool, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	idFlag := fs.String("id", "", "job id")
	jsonFlag := fs.Bool("json", false, "print JSON output")

	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return "", false, err
	}

	id = strings.TrimSpace(*idFlag)
	if id == "" && fs.NArg() > 0 {
		id = strings.TrimSpace(fs.Arg(0))
	}
	if id == "" {
		fs.Usage()
		return "", false, errors.New("job id is required")
	}
	return id, *jsonFlag, nil
}

func runStatus(args []string) error {
	id, jsonOut, err := parseJobID("status", args)
	if err != nil {
		return err
	}
	a, err := newApp(false, "cli")
	if err != nil {
		return err
	}
	defer a.close()

	status, err := a.jobs.Status(id)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(status)
	}
	printStatus(status)
	return nil
}

func runCancel(args []string) error {
	id, jsonOut, err := parseJobID("cancel", args)
	if err != nil {
		return err
	}
	a, err := newApp(false, "cli")
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.jobs.Cancel(id); err != nil {
		return err
	}
	status, err := a.jobs.Status(id)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(status)
	}
	printStatus(status)
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(false, "cli")
	if err != nil {
		return err
	}
	defer a.close()

	statuses := a.jobs.List()
	if *jsonOut {
		return printJSON(statuses)
	}
	if len(statuses) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, st := range statuses {
		fmt.Printf("%s  %-10s  %3d%%  %d/%d\n", st.ID, st.State, st.Progress, st.Processed, st.Total)
	}
	return nil
}
