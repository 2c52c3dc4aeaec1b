// Command gen writes .env.example and config.gen.md from the configuration
// structs and their defaults. Run it from the repository root.
package main

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/idbroker/idbroker/internal/config"

	"github.com/rs/zerolog/log"
)

type Option struct {
	Env         string
	Flag        string
	Section     string
	Description string
	Default     string
}

func main() {
	options := collectOptions(config.NewDefaultConfiguration())

	outputs := map[string][]byte{
		".env.example":  renderEnv(options),
		"config.gen.md": renderMarkdown(options),
	}

	for path, contents := range outputs {
		if err := os.WriteFile(path, contents, 0644); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Failed to write generated file")
		}
		log.Info().Str("path", path).Int("options", len(options)).Msg("Generated")
	}
}

func collectOptions(cfg *config.Config) []Option {
	options := make([]Option, 0)
	walk(reflect.ValueOf(cfg).Elem(), nil, &options)
	return options
}

// walk descends into nested structs, map values are documented once with a
// NAME placeholder in place of the key
func walk(value reflect.Value, path []string, options *[]Option) {
	for i := 0; i < value.NumField(); i++ {
		field := value.Type().Field(i)
		tag := field.Tag.Get("yaml")

		if tag == "-" {
			continue
		}

		fieldPath := append(append([]string{}, path...), field.Name)
		fieldValue := value.Field(i)

		switch field.Type.Kind() {
		case reflect.Struct:
			walk(fieldValue, fieldPath, options)
		case reflect.Map:
			if field.Type.Key().Kind() != reflect.String || field.Type.Elem().Kind() != reflect.Struct {
				log.Warn().Str("field", field.Name).Msg("Skipping unsupported map")
				continue
			}
			walk(reflect.New(field.Type.Elem()).Elem(), append(fieldPath, "NAME"), options)
		case reflect.Bool, reflect.String, reflect.Int, reflect.Slice:
			*options = append(*options, newOption(field, fieldValue, fieldPath))
		default:
			log.Warn().Str("field", field.Name).Str("kind", field.Type.Kind().String()).Msg("Skipping unsupported field")
		}
	}
}

func newOption(field reflect.StructField, value reflect.Value, path []string) Option {
	flagPath := make([]string, len(path))
	for i, part := range path {
		if part == "NAME" {
			flagPath[i] = "[name]"
			continue
		}
		flagPath[i] = strings.ToLower(part)
	}

	section := "general"
	if len(path) > 1 {
		section = strings.ToLower(path[0])
	}

	option := Option{
		Env:         config.DefaultNamePrefix + strings.ToUpper(strings.Join(path, "_")),
		Flag:        "--" + strings.Join(flagPath, "."),
		Section:     section,
		Description: field.Tag.Get("description"),
	}

	switch v := value.Interface().(type) {
	case []string:
		option.Default = strings.Join(v, ",")
	case string:
		option.Default = v
	default:
		option.Default = fmt.Sprintf("%v", v)
	}

	return option
}

func renderEnv(options []Option) []byte {
	buffer := bytes.Buffer{}
	buffer.WriteString("# idbroker example configuration\n\n")

	for _, option := range options {
		fmt.Fprintf(&buffer, "# %s\n", option.Description)

		if option.Default == "" {
			fmt.Fprintf(&buffer, "%s=\n\n", option.Env)
			continue
		}

		fmt.Fprintf(&buffer, "%s=%q\n\n", option.Env, option.Default)
	}

	return buffer.Bytes()
}

func renderMarkdown(options []Option) []byte {
	buffer := bytes.Buffer{}
	buffer.WriteString("# idbroker configuration reference\n")

	section := ""

	for _, option := range options {
		if option.Section != section {
			section = option.Section
			fmt.Fprintf(&buffer, "\n## %s\n\n", section)
			buffer.WriteString("| Environment | Flag | Description | Default |\n")
			buffer.WriteString("| - | - | - | - |\n")
		}

		fmt.Fprintf(&buffer, "| `%s` | `%s` | %s | `%s` |\n", option.Env, option.Flag, option.Description, option.Default)
	}

	return buffer.Bytes()
}
