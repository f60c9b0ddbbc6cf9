package progress

import (
	"fmt"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL
// ══════════════════════════════════════════════════════════════════════════════

// Level - порядковый уровень катания со строгим порядком.
// Нулевое значение соответствует первому уровню (first_time).
type Level int

const (
	// LevelFirstTime - первый раз на склоне.
	LevelFirstTime Level = iota
	// LevelDevelopingTurns - осваивает повороты.
	LevelDevelopingTurns
	// LevelLinkingTurns - связывает повороты.
	LevelLinkingTurns
	// LevelConfidentTurns - уверенные повороты.
	LevelConfidentTurns
	// LevelConsistentBlue - стабильно катается по синим трассам.
	LevelConsistentBlue
)

var levelNames = [...]string{
	LevelFirstTime:       "first_time",
	LevelDevelopingTurns: "developing_turns",
	LevelLinkingTurns:    "linking_turns",
	LevelConfidentTurns:  "confident_turns",
	LevelConsistentBlue:  "consistent_blue",
}

// Levels возвращает все уровни в порядке возрастания.
func Levels() []Level {
	return []Level{
		LevelFirstTime,
		LevelDevelopingTurns,
		LevelLinkingTurns,
		LevelConfidentTurns,
		LevelConsistentBlue,
	}
}

// ParseLevel разбирает метку уровня ("developing_turns").
// Регистр и пробелы по краям игнорируются, дефис считается подчёркиванием.
func ParseLevel(label string) (Level, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), "-", "_")
	for i, name := range levelNames {
		if name == normalized {
			return Level(i), nil
		}
	}
	return LevelFirstTime, ErrUnknownLevel.Wrap(fmt.Errorf("label %q", label))
}

// IsValid проверяет, что уровень входит в перечисление.
func (l Level) IsValid() bool {
	return l >= LevelFirstTime && l <= LevelConsistentBlue
}

// Ordinal возвращает порядковый номер уровня (first_time = 0).
func (l Level) Ordinal() int {
	return int(l)
}

// String возвращает метку уровня.
func (l Level) String() string {
	if !l.IsValid() {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.IsValid() {
		return nil, ErrUnknownLevel.Wrap(fmt.Errorf("ordinal %d", int(l)))
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MaxLevel возвращает старший из двух уровней.
func MaxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// ══════════════════════════════════════════════════════════════════════════════
// SPORT
// ══════════════════════════════════════════════════════════════════════════════

// Sport - вид спорта, по которому ведётся прогресс.
type Sport string

const (
	SportSkiing       Sport = "skiing"
	SportSnowboarding Sport = "snowboarding"
)

// Sports возвращает все поддерживаемые виды спорта в стабильном порядке.
func Sports() []Sport {
	return []Sport{SportSkiing, SportSnowboarding}
}

// IsValid проверяет, что вид спорта поддерживается.
func (s Sport) IsValid() bool {
	return s == SportSkiing || s == SportSnowboarding
}

// String returns the sport label.
func (s Sport) String() string {
	return string(s)
}

// ParseSport разбирает метку вида спорта.
func ParseSport(label string) (Sport, error) {
	s := Sport(strings.ToLower(strings.TrimSpace(label)))
	if !s.IsValid() {
		return "", ErrUnknownSport.Wrap(fmt.Errorf("label %q", label))
	}
	return s, nil
}
