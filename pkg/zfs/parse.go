package zfs

import (
	"bufio"
	"bytes"
	"strings"
)

// listColumns is the -o argument; parseList depends on its order.
const listColumns = "name,encryption,keystatus,mounted"

// parseList reads `zfs list -H -p` output. Rows that do not have exactly four
// tab-separated fields or have an empty name are skipped and counted.
func parseList(out []byte) (datasets []Dataset, skipped int) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 || fields[0] == "" {
			skipped++
			continue
		}
		datasets = append(datasets, Dataset{
			Name:      fields[0],
			Encrypted: fields[1] != "off" && fields[1] != "-",
			Locked:    fields[2] == "unavailable",
			Mounted:   fields[3] == "yes",
		})
	}
	return datasets, skipped
}

// classify maps zfs stderr to a storage error kind. It returns nil when the
// message is not recognised.
func classify(stderr string) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "incorrect key"), strings.Contains(msg, "incorrect passphrase"):
		return ErrWrongPassphrase
	case strings.Contains(msg, "does not exist"):
		return ErrNotFound
	case strings.Contains(msg, "already loaded"):
		return ErrAlreadyUnlocked
	case strings.Contains(msg, "key not loaded"), strings.Contains(msg, "keys are not loaded"):
		return ErrKeyNotLoaded
	case strings.Contains(msg, "already mounted"), strings.Contains(msg, "filesystem already mounted"):
		return errAlreadyMounted
	default:
		return nil
	}
}
