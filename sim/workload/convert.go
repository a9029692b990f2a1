package workload

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// SWF field positions (0-based) of the Standard Workload Format.
const (
	swfJobNumber    = 0
	swfSubmitTime   = 1
	swfRunTime      = 3
	swfAllocProcs   = 4
	swfReqProcs     = 7
	swfReqTime      = 8
	swfStatus       = 10
	swfFieldCount   = 18
	swfMaxProcsHead = "MaxProcs:"
)

// SWFOptions controls ConvertSWF.
type SWFOptions struct {
	// NbRes overrides the machine count; 0 takes MaxProcs from the header,
	// then the largest job.
	NbRes int
	// KeepFailed keeps jobs whose status is neither completed (1) nor
	// unknown (-1).
	KeepFailed bool
	// KeepSubmitTimes keeps the original submission dates instead of
	// shifting the first job to 0.
	KeepSubmitTimes bool
}

// ConvertSWF converts a Standard Workload Format log into a delay workload.
// Each job runs for its recorded run time on its requested processor count
// (allocated count when none was requested), with its requested time as
// walltime. Jobs with no run time or no processors are skipped.
// Returns error if the file is missing or a data line is malformed.
func ConvertSWF(path string, opts SWFOptions) (*Workload, error) {
	if path == "" {
		return nil, fmt.Errorf("SWF path must not be empty")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening SWF log %s: %w", path, err)
	}
	defer file.Close() //nolint:errcheck // read-only file

	w, err := parseSWF(file, opts)
	if err != nil {
		return nil, fmt.Errorf("SWF %s: %w", path, err)
	}
	w.Name = "swf"
	w.Path = path
	w.Command = "edc-sim convert swf --file " + path
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("converted SWF %s: %w", path, err)
	}
	return w, nil
}

func parseSWF(r io.Reader, opts SWFOptions) (*Workload, error) {
	w := &Workload{Profiles: make(map[string]Profile)}
	maxProcs, largest := 0, 0
	skipped := 0

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ";") {
			header := strings.TrimSpace(strings.TrimPrefix(line, ";"))
			if v, ok := strings.CutPrefix(header, swfMaxProcsHead); ok {
				n, err := strconv.Atoi(strings.TrimSpace(v))
				if err != nil {
					return nil, fmt.Errorf("line %d: invalid MaxProcs %q", lineNo, strings.TrimSpace(v))
				}
				maxProcs = n
			}
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != swfFieldCount {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", lineNo, swfFieldCount, len(fields))
		}
		num := make([]float64, swfFieldCount)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d field %d: invalid number %q", lineNo, i+1, f)
			}
			num[i] = v
		}

		status := int(num[swfStatus])
		procs := int(num[swfReqProcs])
		if procs <= 0 {
			procs = int(num[swfAllocProcs])
		}
		runTime := num[swfRunTime]
		if procs <= 0 || runTime <= 0 || (!opts.KeepFailed && status != 1 && status != -1) {
			skipped++
			continue
		}

		profile := delayProfileName(runTime)
		w.Profiles[profile] = Profile{Type: ProfileDelay, Delay: runTime}
		spec := JobSpec{
			ID:      JobName(fields[swfJobNumber]),
			Subtime: num[swfSubmitTime],
			Res:     procs,
			Profile: profile,
		}
		if reqTime := num[swfReqTime]; reqTime > 0 {
			spec.Walltime = &reqTime
		}
		w.Jobs = append(w.Jobs, spec)
		largest = max(largest, procs)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(w.Jobs, func(i, j int) bool { return w.Jobs[i].Subtime < w.Jobs[j].Subtime })
	if len(w.Jobs) > 0 && !opts.KeepSubmitTimes {
		first := w.Jobs[0].Subtime
		for i := range w.Jobs {
			w.Jobs[i].Subtime -= first
		}
	}

	switch {
	case opts.NbRes > 0:
		w.NbRes = opts.NbRes
	case maxProcs > 0:
		w.NbRes = maxProcs
	default:
		w.NbRes = largest
	}
	w.Description = fmt.Sprintf("converted from SWF: %d jobs kept, %d skipped", len(w.Jobs), skipped)
	return w, nil
}

// delayProfileName names the profile shared by every job of the same run time.
func delayProfileName(delay float64) string {
	if delay == math.Trunc(delay) {
		return "delay_" + strconv.FormatFloat(delay, 'f', 0, 64)
	}
	return "delay_" + strconv.FormatFloat(delay, 'f', -1, 64)
}
