package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a bar period in seconds.
type Timeframe int32

const (
	M1  Timeframe = 60
	M5  Timeframe = 300
	M15 Timeframe = 900
	M30 Timeframe = 1800
	H1  Timeframe = 3600
	H4  Timeframe = 14400
	D1  Timeframe = 86400
	W1  Timeframe = 604800
	MN1 Timeframe = 2592000
)

// ladder is the ordered set of supported timeframes; Next walks it.
var ladder = []Timeframe{M1, M5, M15, M30, H1, H4, D1, W1, MN1}

func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf) * time.Second
}

func (tf Timeframe) String() string {
	s, err := SecondsToTFString(int32(tf))
	if err != nil {
		return fmt.Sprintf("TF(%ds)", int32(tf))
	}
	return s
}

// Supported reports whether tf is on the timeframe ladder.
func (tf Timeframe) Supported() bool {
	for _, l := range ladder {
		if l == tf {
			return true
		}
	}
	return false
}

// Next returns the next higher timeframe. Anything off the ladder, and MN1
// itself, maps to W1 and reports false.
func (tf Timeframe) Next() (Timeframe, bool) {
	for i, l := range ladder {
		if l == tf && i+1 < len(ladder) {
			return ladder[i+1], true
		}
	}
	return W1, false
}

// Bucket returns the start of the bar of this timeframe containing t.
func (tf Timeframe) Bucket(t time.Time) time.Time {
	sec := int64(tf)
	u := t.UTC().Unix()
	return time.Unix(u-(u%sec), 0).UTC()
}

func ParseTimeframe(s string) (Timeframe, error) {
	sec, err := TFStringToSeconds(strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return 0, err
	}
	return Timeframe(sec), nil
}

func SecondsToTFString(sec int32) (string, error) {
	if sec <= 0 {
		return "", fmt.Errorf("invalid timeframe seconds: %d", sec)
	}

	// Minutes
	if sec < 3600 && sec%60 == 0 {
		return fmt.Sprintf("M%d", sec/60), nil
	}

	// Hours
	if sec < 86400 && sec%3600 == 0 {
		return fmt.Sprintf("H%d", sec/3600), nil
	}

	// Days
	if sec%86400 == 0 {
		days := sec / 86400
		if days == 7 {
			return "W1", nil
		}
		if days == 30 {
			return "MN1", nil
		}
		return fmt.Sprintf("D%d", days), nil
	}

	return "", fmt.Errorf("cannot map timeframe: %d seconds", sec)
}

func TFStringToSeconds(tf string) (int32, error) {
	switch tf {
	case "M1":
		return 60, nil
	case "M5":
		return 300, nil
	case "M15":
		return 900, nil
	case "M30":
		return 1800, nil
	case "H1":
		return 3600, nil
	case "H4":
		return 14400, nil
	case "D1":
		return 86400, nil
	case "W1":
		return 604800, nil
	case "MN1":
		return 2592000, nil
	default:
		return 0, fmt.Errorf("unsupported timeframe string: %s", tf)
	}
}
