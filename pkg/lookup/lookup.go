// Package lookup resolves the per-region image id and security group id a
// spot request needs. Entries come from flat "region value" key files,
// from SSM Parameter Store, or inline from the config file.
package lookup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/samber/lo"
	"github.com/scttfrdmn/spotkeeper/pkg/config"
)

// ErrNotFound means a region has no entry. Callers skip the region.
var ErrNotFound = errors.New("no lookup entry for region")

// Source kinds accepted in lookup.source
const (
	SourceFile   = "file"
	SourceSSM    = "ssm"
	SourceInline = "inline"
)

// SSM parameter names under the lookup path: {path}ami/{region} and
// {path}security-group/{region}
const (
	ssmAMIPrefix           = "ami/"
	ssmSecurityGroupPrefix = "security-group/"
)

// Table maps a region to a value
type Table map[string]string

// Get returns the value for region or ErrNotFound
func (t Table) Get(region string) (string, error) {
	v, ok := t[region]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, region)
	}
	return v, nil
}

// Regions returns the regions with an entry, sorted
func (t Table) Regions() []string {
	regions := lo.Keys(t)
	sort.Strings(regions)
	return regions
}

// Parse reads "region value" lines. Blank lines and lines starting with #
// are skipped; any other line must have exactly two fields.
func Parse(r io.Reader) (Table, error) {
	table := make(Table)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected \"region value\", got %q", lineNo, line)
		}
		table[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

// LoadFile parses a key file
func LoadFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lookup file: %w", err)
	}
	defer f.Close()

	table, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return table, nil
}

// SSMAPI is the subset of SSM used to read lookup parameters
type SSMAPI interface {
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// LoadSSM reads both tables from Parameter Store under path
func LoadSSM(ctx context.Context, client SSMAPI, path string) (amis, securityGroups Table, err error) {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	amis = make(Table)
	securityGroups = make(Table)

	var next *string
	for {
		out, err := client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:      aws.String(path),
			Recursive: aws.Bool(true),
			NextToken: next,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read lookup parameters under %s: %w", path, err)
		}
		for _, p := range out.Parameters {
			name := strings.TrimPrefix(aws.ToString(p.Name), path)
			value := aws.ToString(p.Value)
			switch {
			case strings.HasPrefix(name, ssmAMIPrefix):
				amis[strings.TrimPrefix(name, ssmAMIPrefix)] = value
			case strings.HasPrefix(name, ssmSecurityGroupPrefix):
				securityGroups[strings.TrimPrefix(name, ssmSecurityGroupPrefix)] = value
			}
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	return amis, securityGroups, nil
}

// Resolver answers image and security group lookups for a region
type Resolver struct {
	AMIs           Table
	SecurityGroups Table
}

// Resolve returns the image id and security group id for region. A region
// missing either entry is an ErrNotFound. The tables are in memory, so
// ctx is not consulted.
func (r *Resolver) Resolve(ctx context.Context, region string) (imageID, securityGroupID string, err error) {
	imageID, err = r.AMIs.Get(region)
	if err != nil {
		return "", "", fmt.Errorf("image id: %w", err)
	}
	securityGroupID, err = r.SecurityGroups.Get(region)
	if err != nil {
		return "", "", fmt.Errorf("security group id: %w", err)
	}
	return imageID, securityGroupID, nil
}

// Load builds a Resolver from the configured source. client is only used
// for the ssm source and may be nil otherwise.
func Load(ctx context.Context, cfg config.LookupConfig, client SSMAPI) (*Resolver, error) {
	switch cfg.Source {
	case SourceFile, "":
		amis, err := LoadFile(cfg.AMIFile)
		if err != nil {
			return nil, err
		}
		groups, err := LoadFile(cfg.SecurityGroupFile)
		if err != nil {
			return nil, err
		}
		return &Resolver{AMIs: amis, SecurityGroups: groups}, nil

	case SourceSSM:
		if client == nil {
			return nil, fmt.Errorf("lookup source ssm requires an SSM client")
		}
		amis, groups, err := LoadSSM(ctx, client, cfg.SSMPath)
		if err != nil {
			return nil, err
		}
		return &Resolver{AMIs: amis, SecurityGroups: groups}, nil

	case SourceInline:
		return &Resolver{AMIs: Table(cfg.AMIs), SecurityGroups: Table(cfg.SecurityGroups)}, nil

	default:
		return nil, fmt.Errorf("unknown lookup source %q", cfg.Source)
	}
}
