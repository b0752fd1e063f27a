package utils

import (
	"fmt"
	"strconv"
	"time"
)

// FormatValue renders a collected value as an attribute string.
func FormatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Duration:
		return v.Truncate(time.Second).String()
	case time.Time:
		return v.Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func ParseFloat32OrZero(value string) float32 {
	result, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return 0
	}
	return float32(result)
}
