package shell

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/jobid"
)

var tagPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]]+)\s*\}\}`)

// RenderContext supplies everything a mustache tag can resolve against
// (§4.M). NodeInfo is the per-rank info object; dotted node.<path> lookups
// walk it directly.
type RenderContext struct {
	JobID     jobid.ID
	JobName   string
	Argv0     string
	NNodes    int
	NTasks    int
	TaskID    int // global rank
	TaskIndex int // local index
	NodeInfo  map[string]interface{}
	Plugstack *Plugstack
}

// Render replaces every {{tag}} occurrence in s. A tag that cannot be
// resolved (no built-in match and no plugin, or a plugin error) is logged
// and left in place; rendering continues, and the first such error is
// returned along with the output.
func Render(s string, ctx RenderContext) (string, error) {
	var firstErr error

	out := tagPattern.ReplaceAllStringFunc(s, func(match string) string {
		tag := strings.TrimSpace(match[2 : len(match)-2])
		value, err := resolveTag(tag, ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logger.Warnf("mustache tag unresolved; tag: %s, error: %v", tag, err)
			return match
		}
		return value
	})

	return out, firstErr
}

func resolveTag(tag string, ctx RenderContext) (string, error) {
	switch {
	case tag == "id" || tag == "jobid":
		return formatID(ctx.JobID, "f58")
	case strings.HasPrefix(tag, "id."):
		return formatID(ctx.JobID, tag[len("id."):])
	case strings.HasPrefix(tag, "jobid[") && strings.HasSuffix(tag, "]"):
		return formatID(ctx.JobID, strings.TrimSuffix(tag[len("jobid["):], "]"))

	case tag == "name":
		return resolveName(ctx), nil

	case tag == "nnodes":
		return strconv.Itoa(ctx.NNodes), nil
	case tag == "ntasks" || tag == "size":
		return strconv.Itoa(ctx.NTasks), nil

	case tag == "task.id" || tag == "task.rank" || tag == "taskid":
		return strconv.Itoa(ctx.TaskID), nil
	case tag == "task.index" || tag == "task.localid":
		return strconv.Itoa(ctx.TaskIndex), nil

	case tag == "node.cores":
		return lookupNode(ctx.NodeInfo, "resources.cores")
	case tag == "node.gpus":
		return lookupNode(ctx.NodeInfo, "resources.gpus")
	case tag == "node.ncores":
		return lookupNode(ctx.NodeInfo, "resources.ncores")
	case strings.HasPrefix(tag, "node."):
		return lookupNode(ctx.NodeInfo, tag[len("node."):])
	}

	return resolvePlugin(tag, ctx)
}

func formatID(id jobid.ID, form string) (string, error) {
	switch form {
	case "dec":
		return id.Dec(), nil
	case "kvs":
		return id.KVSDir(), nil
	case "hex":
		return id.Hex(), nil
	case "dothex":
		return id.DotHex(), nil
	case "words":
		return id.Words(), nil
	case "f58", "":
		return id.F58(), nil
	}
	return "", ferrors.Newf(ferrors.InvalidArgument, "unknown id form %q", form)
}

func resolveName(ctx RenderContext) string {
	if ctx.JobName != "" {
		return ctx.JobName
	}
	if ctx.Argv0 != "" {
		return filepath.Base(ctx.Argv0)
	}
	return "unknown"
}

func lookupNode(node map[string]interface{}, dotted string) (string, error) {
	cur := interface{}(node)
	for _, seg := range strings.Split(dotted, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", ferrors.Newf(ferrors.NotFound, "node.%s not found", dotted)
		}
		next, ok := m[seg]
		if !ok {
			return "", ferrors.Newf(ferrors.NotFound, "node.%s not found", dotted)
		}
		cur = next
	}
	return stringify(cur), nil
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

// resolvePlugin dispatches an unrecognized tag as a mustache.render.<tag>
// plugin topic. The plugin is expected to place its rendered string under
// args["result"].
func resolvePlugin(tag string, ctx RenderContext) (string, error) {
	if ctx.Plugstack == nil {
		return "", ferrors.Newf(ferrors.NotFound, "no plugstack to resolve tag %q", tag)
	}
	topic := "mustache.render." + tag
	if !ctx.Plugstack.HasHandler(topic) {
		return "", ferrors.Newf(ferrors.NotFound, "unrecognized mustache tag %q", tag)
	}

	args := Args{"tag": tag}
	if err := ctx.Plugstack.Call(topic, args); err != nil {
		return "", err
	}
	result, ok := args["result"].(string)
	if !ok {
		return "", ferrors.Newf(ferrors.Protocol, "plugin for tag %q produced no result", tag)
	}
	return result, nil
}
