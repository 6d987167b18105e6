package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	lua "github.com/yuin/gopher-lua"
)

const (
	defaultAWSRegion      = "us-east-1"
	defaultAWSMaxAttempts = 3
)

// AWSModule exposes read-only AWS inventory calls signed with the student's
// static credentials.
type AWSModule struct {
	// Endpoint overrides every service endpoint, for LocalStack style setups.
	Endpoint    string
	MaxAttempts int
}

// NewAWSModule creates the aws capability.
func NewAWSModule(endpoint string) *AWSModule {
	return &AWSModule{Endpoint: endpoint, MaxAttempts: defaultAWSMaxAttempts}
}

func (m *AWSModule) Name() string { return "aws" }

func (m *AWSModule) loadConfig(ctx context.Context, env *Env) (aws.Config, error) {
	accessKey := env.Credentials.Get("access_key_id", "accessKeyId", "aws_access_key_id")
	secretKey := env.Credentials.Get("secret_access_key", "secretAccessKey", "aws_secret_access_key")
	if accessKey == "" || secretKey == "" {
		return aws.Config{}, fmt.Errorf("aws credentials require access_key_id and secret_access_key")
	}
	region := env.Credentials.Get("region", "aws_region")
	if region == "" {
		region = defaultAWSRegion
	}
	maxAttempts := m.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultAWSMaxAttempts
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, env.Credentials.Get("session_token", "sessionToken"),
		)),
		config.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), maxAttempts)
		}),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config failed: %w", err)
	}
	if m.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(m.Endpoint)
	}
	return cfg, nil
}

func (m *AWSModule) Open(L *lua.LState, env *Env) lua.LValue {
	cfg, err := m.loadConfig(env.Context, env)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return lua.LNil
	}
	ctx := env.Context

	raise := func(L *lua.LState, op string, err error) int {
		L.RaiseError("aws %s failed: %s", op, err.Error())
		return 0
	}

	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"caller_identity": func(L *lua.LState) int {
			out, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
			if err != nil {
				return raise(L, "caller_identity", err)
			}
			L.Push(ToLua(L, map[string]interface{}{
				"account": aws.ToString(out.Account),
				"arn":     aws.ToString(out.Arn),
				"user_id": aws.ToString(out.UserId),
			}))
			return 1
		},
		"ec2_instances": func(L *lua.LState) int {
			input := &ec2.DescribeInstancesInput{Filters: ec2Filters(L.Get(1))}
			pager := ec2.NewDescribeInstancesPaginator(ec2.NewFromConfig(cfg), input)
			var instances []interface{}
			for pager.HasMorePages() {
				page, err := pager.NextPage(ctx)
				if err != nil {
					return raise(L, "ec2_instances", err)
				}
				for _, reservation := range page.Reservations {
					for _, inst := range reservation.Instances {
						instances = append(instances, instanceFields(inst))
					}
				}
			}
			L.Push(ToLua(L, instances))
			return 1
		},
		"s3_buckets": func(L *lua.LState) int {
			out, err := s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = m.Endpoint != "" }).
				ListBuckets(ctx, &s3.ListBucketsInput{})
			if err != nil {
				return raise(L, "s3_buckets", err)
			}
			names := make([]string, 0, len(out.Buckets))
			for _, b := range out.Buckets {
				names = append(names, aws.ToString(b.Name))
			}
			L.Push(ToLua(L, names))
			return 1
		},
		"s3_bucket_exists": func(L *lua.LState) int {
			name := L.CheckString(1)
			_, err := s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = m.Endpoint != "" }).
				HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
			if err != nil {
				var notFound *s3types.NotFound
				if errors.As(err, &notFound) {
					L.Push(lua.LFalse)
					return 1
				}
				return raise(L, "s3_bucket_exists", err)
			}
			L.Push(lua.LTrue)
			return 1
		},
		"sqs_queues": func(L *lua.LState) int {
			input := &sqs.ListQueuesInput{}
			if prefix := L.OptString(1, ""); prefix != "" {
				input.QueueNamePrefix = aws.String(prefix)
			}
			out, err := sqs.NewFromConfig(cfg).ListQueues(ctx, input)
			if err != nil {
				return raise(L, "sqs_queues", err)
			}
			L.Push(ToLua(L, out.QueueUrls))
			return 1
		},
		"dynamodb_tables": func(L *lua.LState) int {
			pager := dynamodb.NewListTablesPaginator(dynamodb.NewFromConfig(cfg), &dynamodb.ListTablesInput{})
			var tables []string
			for pager.HasMorePages() {
				page, err := pager.NextPage(ctx)
				if err != nil {
					return raise(L, "dynamodb_tables", err)
				}
				tables = append(tables, page.TableNames...)
			}
			L.Push(ToLua(L, tables))
			return 1
		},
	})
}

// ec2Filters accepts {name = "value"} or {name = {"v1", "v2"}}.
func ec2Filters(v lua.LValue) []ec2types.Filter {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	values := make(map[string][]string)
	tbl.ForEach(func(k, item lua.LValue) {
		switch val := item.(type) {
		case lua.LString:
			values[k.String()] = []string{string(val)}
		case *lua.LTable:
			values[k.String()] = StringList(val)
		}
	})
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	filters := make([]ec2types.Filter, 0, len(names))
	for _, name := range names {
		filters = append(filters, ec2types.Filter{Name: aws.String(name), Values: values[name]})
	}
	return filters
}

func instanceFields(inst ec2types.Instance) map[string]interface{} {
	tags := make(map[string]interface{}, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	state := ""
	if inst.State != nil {
		state = string(inst.State.Name)
	}
	return map[string]interface{}{
		"id":         aws.ToString(inst.InstanceId),
		"type":       string(inst.InstanceType),
		"state":      state,
		"image_id":   aws.ToString(inst.ImageId),
		"vpc_id":     aws.ToString(inst.VpcId),
		"subnet_id":  aws.ToString(inst.SubnetId),
		"public_ip":  aws.ToString(inst.PublicIpAddress),
		"private_ip": aws.ToString(inst.PrivateIpAddress),
		"tags":       tags,
	}
}
