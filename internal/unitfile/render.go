// Package unitfile renders and persists systemd unit files and drop-in
// fragments managed by unitbus.
package unitfile

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// Header is the first line of every file written by unitbus.
const Header = "# Managed by unitbus. DO NOT EDIT.\n"

// RenderDropIn renders spec as a [Service] drop-in. Environment entries are
// sorted by key so identical specs render byte-identical output.
func RenderDropIn(spec DropInSpec) (string, error) {
	if err := unitname.ValidateNoControl("unit", spec.Unit); err != nil {
		return "", err
	}
	if err := unitname.ValidateDropInName(spec.Name); err != nil {
		return "", err
	}
	if err := validateEnv(spec.Environment); err != nil {
		return "", err
	}
	if spec.WorkingDirectory != nil {
		if err := unitname.ValidateNoControl("working_directory", *spec.WorkingDirectory); err != nil {
			return "", err
		}
	}
	if spec.Restart != nil {
		if err := unitname.ValidateNoControl("restart", *spec.Restart); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	b.WriteString(Header)
	b.WriteString("[Service]\n")
	writeEnv(&b, spec.Environment)
	if spec.WorkingDirectory != nil {
		line(&b, "WorkingDirectory", QuoteValue(*spec.WorkingDirectory))
	}
	if spec.Restart != nil {
		line(&b, "Restart", *spec.Restart)
	}
	if spec.TimeoutStartSec != nil {
		line(&b, "TimeoutStartSec", strconv.FormatUint(uint64(*spec.TimeoutStartSec), 10))
	}
	if spec.ExecStartOverride != nil {
		exec, err := RenderExec(spec.ExecStartOverride)
		if err != nil {
			return "", withContext("exec_start_override", err)
		}
		// An empty assignment resets the list inherited from the unit.
		b.WriteString("ExecStart=\n")
		line(&b, "ExecStart", exec)
	}
	return b.String(), nil
}

// CanonicalName returns the canonical unit name; it must be a .service unit.
func (s ServiceUnitSpec) CanonicalName() (string, error) {
	name, err := unitname.Canonicalize(s.Unit)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(name, ".service") {
		return "", apperrors.InvalidInput("service unit must end with .service")
	}
	return name, nil
}

// Render renders the unit file. Unit lists are sorted and deduplicated and
// environment entries sorted by key, so the output is stable.
func (s ServiceUnitSpec) Render() (string, error) {
	name, err := s.CanonicalName()
	if err != nil {
		return "", err
	}

	n := &normalizer{}
	description := n.optLine("description", s.Description)
	after := n.unitList("after", s.After)
	wants := n.unitList("wants", s.Wants)
	requires := n.unitList("requires", s.Requires)
	wantedBy := n.unitList("wanted_by", s.WantedBy)
	requiredBy := n.unitList("required_by", s.RequiredBy)
	alias := n.unitList("alias", s.Alias)
	workingDir := n.optLine("working_directory", s.WorkingDirectory)
	user := n.optLine("user", s.User)
	group := n.optLine("group", s.Group)
	restart := n.optLine("restart", s.Restart)
	stdout := n.optLine("standard_output", s.StandardOutput)
	stderr := n.optLine("standard_error", s.StandardError)
	n.rawLines("extra_unit", s.ExtraUnit)
	n.rawLines("extra_service", s.ExtraService)
	n.rawLines("extra_install", s.ExtraInstall)
	if n.err != nil {
		return "", n.err
	}
	if err := validateEnv(s.Environment); err != nil {
		return "", err
	}

	execStart, err := RenderExec(s.ExecStart)
	if err != nil {
		return "", withContext("exec_start", err)
	}
	pre, err := renderExecList("exec_start_pre", s.ExecStartPre)
	if err != nil {
		return "", err
	}
	post, err := renderExecList("exec_start_post", s.ExecStartPost)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(Header)
	b.WriteString("# Unit: " + name + "\n")

	b.WriteString("[Unit]\n")
	optLine(&b, "Description", description)
	listLine(&b, "After", after)
	listLine(&b, "Wants", wants)
	listLine(&b, "Requires", requires)
	writeRaw(&b, s.ExtraUnit)

	b.WriteString("\n[Service]\n")
	if s.Type != nil {
		t := string(*s.Type)
		if err := unitname.ValidateNoControl("type", t); err != nil {
			return "", err
		}
		if strings.TrimSpace(t) == "" {
			return "", apperrors.InvalidInput("type must not be empty")
		}
		line(&b, "Type", t)
	}
	for _, exec := range pre {
		line(&b, "ExecStartPre", exec)
	}
	line(&b, "ExecStart", execStart)
	for _, exec := range post {
		line(&b, "ExecStartPost", exec)
	}
	if workingDir != nil {
		line(&b, "WorkingDirectory", QuoteValue(*workingDir))
	}
	optLine(&b, "User", user)
	optLine(&b, "Group", group)
	writeEnv(&b, s.Environment)
	optLine(&b, "Restart", restart)
	secLine(&b, "RestartSec", s.RestartSec)
	secLine(&b, "TimeoutStartSec", s.TimeoutStartSec)
	secLine(&b, "TimeoutStopSec", s.TimeoutStopSec)
	optLine(&b, "StandardOutput", stdout)
	optLine(&b, "StandardError", stderr)
	writeRaw(&b, s.ExtraService)

	if len(wantedBy) > 0 || len(requiredBy) > 0 || len(alias) > 0 || hasContent(s.ExtraInstall) {
		b.WriteString("\n[Install]\n")
		listLine(&b, "WantedBy", wantedBy)
		listLine(&b, "RequiredBy", requiredBy)
		listLine(&b, "Alias", alias)
		writeRaw(&b, s.ExtraInstall)
	}
	return b.String(), nil
}

// QuoteValue wraps v in double quotes, escaping backslashes, quotes and
// specifier percent signs.
func QuoteValue(v string) string {
	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('"')
	for _, r := range v {
		switch r {
		case '\\', '"':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '%':
			b.WriteString("%%")
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// RenderExec renders argv as an Exec*= command line. Arguments are quoted
// only when they need it; "$" and "%" are doubled so systemd passes them
// through literally.
func RenderExec(argv []string) (string, error) {
	if len(argv) == 0 {
		return "", apperrors.InvalidInput("argv must not be empty")
	}
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		if err := unitname.ValidateNoControl("exec argv", arg); err != nil {
			return "", err
		}
		parts = append(parts, execArg(arg))
	}
	return strings.Join(parts, " "), nil
}

func execArg(arg string) string {
	escaped := strings.NewReplacer("%", "%%", "$", "$$").Replace(arg)
	if arg != "" && !strings.ContainsAny(arg, " \t\"'\\;") {
		return escaped
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range escaped {
		if r == '\\' || r == '"' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func renderExecList(context string, list [][]string) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, argv := range list {
		exec, err := RenderExec(argv)
		if err != nil {
			return nil, withContext(context, err)
		}
		out = append(out, exec)
	}
	return out, nil
}

// withContext prefixes the message of a validation error with the field name.
func withContext(context string, err error) error {
	var e *apperrors.Error
	if errors.As(err, &e) && e.Kind == apperrors.KindInvalidInput {
		return apperrors.InvalidInput("%s: %s", context, e.Message)
	}
	return err
}

func validateEnv(env map[string]string) error {
	for k, v := range env {
		if err := unitname.ValidateEnvKey(k); err != nil {
			return err
		}
		if err := unitname.ValidateNoControl("env value", v); err != nil {
			return err
		}
	}
	return nil
}

// normalizer collects the first validation error across several fields.
type normalizer struct {
	err error
}

func (n *normalizer) optLine(context string, v *string) *string {
	if n.err != nil || v == nil {
		return nil
	}
	if err := unitname.ValidateNoControl(context, *v); err != nil {
		n.err = err
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

func (n *normalizer) unitList(context string, items []string) []string {
	if n.err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if err := unitname.ValidateNoControl(context, item); err != nil {
			n.err = err
			return nil
		}
		s := strings.TrimSpace(item)
		if s == "" {
			n.err = apperrors.InvalidInput("%s must not contain empty items", context)
			return nil
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return dedupSorted(out)
}

func (n *normalizer) rawLines(context string, lines []string) {
	if n.err != nil {
		return
	}
	for _, l := range lines {
		if err := unitname.ValidateNoControl(context, l); err != nil {
			n.err = err
			return
		}
	}
}

func dedupSorted(in []string) []string {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func line(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte('\n')
}

func optLine(b *strings.Builder, key string, value *string) {
	if value != nil {
		line(b, key, *value)
	}
}

func listLine(b *strings.Builder, key string, values []string) {
	if len(values) > 0 {
		line(b, key, strings.Join(values, " "))
	}
}

func secLine(b *strings.Builder, key string, sec *uint32) {
	if sec != nil {
		line(b, key, strconv.FormatUint(uint64(*sec), 10))
	}
}

func writeEnv(b *strings.Builder, env map[string]string) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line(b, "Environment", QuoteValue(k+"="+env[k]))
	}
}

func writeRaw(b *strings.Builder, lines []string) {
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
}

func hasContent(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}
