package model

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

// IDList stores a []uint as a comma separated string
type IDList []uint

// Value implements the driver.Valuer interface.
func (l IDList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "", nil
	}

	parts := make([]string, len(l))
	for i, id := range l {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}

	return strings.Join(parts, ","), nil
}

// Scan implements the sql.Scanner interface.
func (l *IDList) Scan(value any) error {
	if value == nil {
		*l = IDList{}
		return nil
	}

	str, ok := value.(string)
	if !ok {
		b, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan IDList, %v", value)
		}

		str = string(b)
	}

	if str == "" {
		*l = IDList{}
		return nil
	}

	parts := strings.Split(str, ",")
	out := make(IDList, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed id %q in IDList, %w", p, err)
		}
		out = append(out, uint(id))
	}

	*l = out
	return nil
}

func (IDList) GormDataType() string {
	return "text"
}
