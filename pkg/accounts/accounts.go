// Package accounts reads the list of tracked accounts.
package accounts

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

var (
	// ErrDuplicateAddress is returned when two entries name the same address.
	ErrDuplicateAddress = errors.New("duplicate address")
	// ErrDuplicateName is returned when two entries share a display name. Names key the history
	// columns, so they must be unique.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrReservedName is returned for a name that would collide with a derived history column.
	ErrReservedName = errors.New("reserved name")
)

// RewardSuffix marks the per-account reward columns of the history file.
const RewardSuffix = "_reward"

var reserved = map[string]bool{
	"date":                    true,
	"total":                   true,
	"diff":                    true,
	"diff_avg10":              true,
	"total_reward":            true,
	"reward_avg10":            true,
	"total_reward_cumulative": true,
}

// Account is a tracked address with its display name.
type Account struct {
	Name    string
	Address string
}

// Single builds the one-account list used with --address.
func Single(name, address string) ([]Account, error) {
	name = strings.TrimSpace(name)
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("empty address")
	}
	if name == "" {
		name = "wallet"
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	return []Account{{Name: name, Address: address}}, nil
}

func checkName(name string) error {
	if reserved[strings.ToLower(name)] || strings.HasSuffix(strings.ToLower(name), RewardSuffix) {
		return fmt.Errorf("%w %q", ErrReservedName, name)
	}
	return nil
}

// Load parses the account file at path.
func Load(path string) ([]Account, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open account file: %w", err)
	}
	defer f.Close()
	accts, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return accts, nil
}

// Parse reads one account per line as "Name Address" or "Name = Address". Blank lines and
// lines starting with # are skipped. File order is kept.
func Parse(r io.Reader) ([]Account, error) {
	var out []Account
	seen := map[string]int{}
	names := map[string]int{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		a, err := parseLine(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if prev, ok := seen[a.Address]; ok {
			return nil, fmt.Errorf("line %d: %w %s (first seen on line %d)", line, ErrDuplicateAddress, a.Address, prev)
		}
		if prev, ok := names[a.Name]; ok {
			return nil, fmt.Errorf("line %d: %w %q (first seen on line %d)", line, ErrDuplicateName, a.Name, prev)
		}
		if err := checkName(a.Name); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		seen[a.Address] = line
		names[a.Name] = line
		out = append(out, a)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseLine(text string) (Account, error) {
	var name, addr string
	if i := strings.Index(text, "="); i >= 0 {
		name, addr = strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:])
	} else {
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return Account{}, fmt.Errorf("expected \"Name Address\", got %q", text)
		}
		// names may contain spaces; the address is the last field
		addr = fields[len(fields)-1]
		name = strings.Join(fields[:len(fields)-1], " ")
	}
	if name == "" || addr == "" || strings.ContainsAny(addr, " \t") {
		return Account{}, fmt.Errorf("expected \"Name = Address\", got %q", text)
	}
	return Account{Name: name, Address: addr}, nil
}

// Names returns the account names sorted, as used for CSV headers.
func Names(accts []Account) []string {
	names := make([]string, 0, len(accts))
	for _, a := range accts {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}
