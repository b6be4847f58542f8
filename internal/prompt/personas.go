package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed personas/*.md
var defaultPersonas embed.FS

// Variant names one persona instruction set.
type Variant string

// Persona variants. Each has a <variant>.md file.
const (
	VariantNormal    Variant = "normal"
	VariantAngry     Variant = "angry"
	VariantSulking   Variant = "sulking"
	VariantProactive Variant = "proactive"
)

// Variants lists every persona variant.
func Variants() []Variant {
	return []Variant{VariantNormal, VariantAngry, VariantSulking, VariantProactive}
}

// namePlaceholder is replaced with the persona's name.
const namePlaceholder = "{name}"

// LoadPersonas returns the instruction text for every variant. Files
// in dir override the built-in defaults one by one; a missing dir or
// file falls back to the embedded copy.
func LoadPersonas(dir, name string) (map[Variant]string, error) {
	out := make(map[Variant]string, 4)
	for _, v := range Variants() {
		file := string(v) + ".md"
		data, err := readOverride(dir, file)
		if err != nil {
			return nil, err
		}
		if data == nil {
			data, err = defaultPersonas.ReadFile("personas/" + file)
			if err != nil {
				return nil, fmt.Errorf("read embedded persona %s: %w", file, err)
			}
		}
		out[v] = strings.TrimSpace(strings.ReplaceAll(string(data), namePlaceholder, name))
	}
	return out, nil
}

func readOverride(dir, file string) ([]byte, error) {
	if dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read persona %s: %w", file, err)
	}
	return data, nil
}
