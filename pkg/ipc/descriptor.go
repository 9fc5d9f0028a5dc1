package ipc

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	_ "google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "celldata.v1.CellularData"

	fileName   = "celldata/v1/celldata.proto"
	structType = ".google.protobuf.Struct"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// fileDescriptor describes the service for server reflection. Every method
// takes and returns a google.protobuf.Struct.
func fileDescriptor() *descriptorpb.FileDescriptorProto {
	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(methodTable))
	for _, m := range methodTable {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.name),
			InputType:  proto.String(structType),
			OutputType: proto.String(structType),
		})
	}
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String(fileName),
		Package:    proto.String("celldata.v1"),
		Dependency: []string{"google/protobuf/struct.proto"},
		Syntax:     proto.String("proto3"),
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String("CellularData"),
			Method: methods,
		}},
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/markus-lassfolk/celldata/pkg/ipc"),
		},
	}
}

// registerDescriptor adds the service file to the global registry once
func registerDescriptor() error {
	registerOnce.Do(func() {
		fd, err := protodesc.NewFile(fileDescriptor(), protoregistry.GlobalFiles)
		if err != nil {
			registerErr = fmt.Errorf("failed to build service descriptor: %w", err)
			return
		}
		if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
			registerErr = fmt.Errorf("failed to register service descriptor: %w", err)
		}
	})
	return registerErr
}
