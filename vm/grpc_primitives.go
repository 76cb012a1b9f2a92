package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/protobuf/types/descriptorpb"
)

// ---------------------------------------------------------------------------
// grpc module: dynamic gRPC client over server reflection
// ---------------------------------------------------------------------------

// The grpc-channel object kind wraps a client connection plus a
// reflection client; services are resolved by name at call time and
// messages are built dynamically, so no generated stubs are involved.

// grpcChannel is the body of a grpc-channel object.
type grpcChannel struct {
	id        uint64
	conn      *grpc.ClientConn
	refClient *grpcreflect.Client
	target    string
	closed    bool
	mu        sync.Mutex
}

// grpcChannelRegistry tracks dialed channels. A grpc-channel object's
// destructor closes its connection and removes its entry; the registry
// sweeper drops entries of channels that are already closed and does not
// close connections itself. Guarded by a mutex because the sweeper runs
// off-thread.
type grpcChannelRegistry struct {
	mu     sync.Mutex
	chans  map[uint64]*grpcChannel
	nextID uint64
}

func newGrpcChannelRegistry() *grpcChannelRegistry {
	return &grpcChannelRegistry{chans: make(map[uint64]*grpcChannel)}
}

func (r *grpcChannelRegistry) add(ch *grpcChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	ch.id = r.nextID
	r.chans[ch.id] = ch
}

func (r *grpcChannelRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chans, id)
}

// sweepClosed drops registry entries for closed channels and returns
// how many were swept.
func (r *grpcChannelRegistry) sweepClosed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	swept := 0
	for id, ch := range r.chans {
		ch.mu.Lock()
		closed := ch.closed
		ch.mu.Unlock()
		if closed {
			delete(r.chans, id)
			swept++
		}
	}
	return swept
}

// closeChannel closes the connection once.
func (ch *grpcChannel) closeChannel() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	if ch.refClient != nil {
		ch.refClient.Reset()
	}
	if ch.conn != nil {
		ch.conn.Close()
	}
}

// closeGrpcChannel is the grpc-channel destructor hook.
func (vm *VM) closeGrpcChannel(o *Object) {
	ch := o.body.(*grpcChannel)
	ch.closeChannel()
	vm.grpcRegistry.remove(ch.id)
}

// ---------------------------------------------------------------------------
// Module surface
// ---------------------------------------------------------------------------

func grpcModuleInit(vm *VM, m *Module) {
	m.SetNativeFunc("dial", 1, nativeGrpcDial)

	vm.bindNativeMethod(TypeGrpcChannel, "call", 2, nativeGrpcCall)
	vm.bindNativeMethod(TypeGrpcChannel, "services", 0, nativeGrpcServices)
	vm.bindNativeMethod(TypeGrpcChannel, "describe", 1, nativeGrpcDescribe)
	vm.bindNativeMethod(TypeGrpcChannel, "close", 0, nativeGrpcClose)
}

// nativeGrpcDial connects to a target and attaches a reflection client.
func nativeGrpcDial(vm *VM, args []Value, nargs int) Value {
	target, ok := vm.stringBytes(args[0])
	if !ok {
		return ErrorValue(vm.tagLits.Intern("InvalidArgument"))
	}
	conn, err := grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		vm.log.Errorf("grpc dial %s: %v", target, err)
		return ErrorValue(vm.tagLits.Intern("DialFailed"))
	}
	refClient := grpcreflect.NewClientV1Alpha(context.Background(),
		rpb.NewServerReflectionClient(conn))

	ch := &grpcChannel{conn: conn, refClient: refClient, target: target}
	vm.grpcRegistry.add(ch)

	ref, o := vm.allocPool(TypeGrpcChannel)
	o.body = ch
	return FromPointer(ref)
}

// nativeGrpcCall makes a unary call: method "pkg.Service/Method" plus a
// map request; returns a map response or an error value.
func nativeGrpcCall(vm *VM, recv Value, args []Value, nargs int) Value {
	ch := vm.heap.obj(recv.AsPointer()).body.(*grpcChannel)
	method, ok := vm.stringBytes(args[0])
	if !ok {
		return ErrorValue(vm.tagLits.Intern("InvalidArgument"))
	}
	methodDesc, err := ch.resolveMethod(method)
	if err != nil {
		vm.log.Errorf("grpc resolve %s: %v", method, err)
		return ErrorValue(vm.tagLits.Intern("UnknownMethod"))
	}

	reqMsg, err := vm.mapToProto(args[1], methodDesc.GetInputType())
	if err != nil {
		vm.SetNativePanic("grpc request conversion: %v", err)
		return PanicSentinel
	}
	respMsg := dynamic.NewMessage(methodDesc.GetOutputType())

	if err := ch.conn.Invoke(context.Background(), "/"+method, reqMsg, respMsg); err != nil {
		vm.log.Errorf("grpc call %s: %v", method, err)
		return ErrorValue(vm.tagLits.Intern("CallFailed"))
	}
	return vm.protoToMap(respMsg)
}

// nativeGrpcServices lists service names via reflection.
func nativeGrpcServices(vm *VM, recv Value, args []Value, nargs int) Value {
	ch := vm.heap.obj(recv.AsPointer()).body.(*grpcChannel)
	names, err := ch.refClient.ListServices()
	if err != nil {
		return ErrorValue(vm.tagLits.Intern("ReflectionFailed"))
	}
	elems := make([]Value, len(names))
	for i, n := range names {
		elems[i] = vm.GetOrAllocString(n)
	}
	return vm.allocList(elems)
}

// nativeGrpcDescribe returns a map describing a method's signature.
func nativeGrpcDescribe(vm *VM, recv Value, args []Value, nargs int) Value {
	ch := vm.heap.obj(recv.AsPointer()).body.(*grpcChannel)
	method, ok := vm.stringBytes(args[0])
	if !ok {
		return ErrorValue(vm.tagLits.Intern("InvalidArgument"))
	}
	methodDesc, err := ch.resolveMethod(method)
	if err != nil {
		return ErrorValue(vm.tagLits.Intern("UnknownMethod"))
	}

	out := vm.allocEmptyMap()
	m := vm.heap.obj(out.AsPointer()).valueMap()
	put := func(k string, v Value) {
		m.Put(vm, vm.GetOrAllocString(k), v)
	}
	put("name", vm.GetOrAllocString(methodDesc.GetName()))
	put("fullName", vm.GetOrAllocString(methodDesc.GetFullyQualifiedName()))
	put("inputType", vm.GetOrAllocString(methodDesc.GetInputType().GetFullyQualifiedName()))
	put("outputType", vm.GetOrAllocString(methodDesc.GetOutputType().GetFullyQualifiedName()))
	put("serverStreaming", FromBool(methodDesc.IsServerStreaming()))
	put("clientStreaming", FromBool(methodDesc.IsClientStreaming()))
	return out
}

func nativeGrpcClose(vm *VM, recv Value, args []Value, nargs int) Value {
	vm.closeGrpcChannel(vm.heap.obj(recv.AsPointer()))
	return None
}

// resolveMethod resolves "package.Service/Method" to its descriptor.
func (ch *grpcChannel) resolveMethod(fullMethod string) (*desc.MethodDescriptor, error) {
	var serviceName, methodName string
	for i := 0; i < len(fullMethod); i++ {
		if fullMethod[i] == '/' {
			serviceName = fullMethod[:i]
			methodName = fullMethod[i+1:]
			break
		}
	}
	if serviceName == "" || methodName == "" {
		return nil, fmt.Errorf("invalid method %q (want service/method)", fullMethod)
	}
	svcDesc, err := ch.refClient.ResolveService(serviceName)
	if err != nil {
		return nil, fmt.Errorf("resolve service %s: %w", serviceName, err)
	}
	methodDesc := svcDesc.FindMethodByName(methodName)
	if methodDesc == nil {
		return nil, fmt.Errorf("method %s not found in %s", methodName, serviceName)
	}
	return methodDesc, nil
}

// ---------------------------------------------------------------------------
// Value <-> protobuf conversion
// ---------------------------------------------------------------------------

// mapToProto converts a map value into a dynamic request message.
func (vm *VM) mapToProto(mapVal Value, msgDesc *desc.MessageDescriptor) (*dynamic.Message, error) {
	if !mapVal.IsPointer() || vm.heap.obj(mapVal.AsPointer()).typeID != TypeMap {
		return nil, fmt.Errorf("request must be a map")
	}
	msg := dynamic.NewMessage(msgDesc)
	var convErr error
	vm.heap.obj(mapVal.AsPointer()).valueMap().Iter(func(k, v Value) {
		if convErr != nil {
			return
		}
		name, ok := vm.stringBytes(k)
		if !ok {
			return
		}
		field := msgDesc.FindFieldByName(name)
		if field == nil {
			return
		}
		pv, err := vm.valueToProtoField(v, field)
		if err != nil {
			convErr = fmt.Errorf("field %s: %w", name, err)
			return
		}
		if err := msg.TrySetField(field, pv); err != nil {
			convErr = fmt.Errorf("set field %s: %w", name, err)
		}
	})
	if convErr != nil {
		return nil, convErr
	}
	return msg, nil
}

// valueToProtoField converts one value to a protobuf field value.
func (vm *VM) valueToProtoField(val Value, field *desc.FieldDescriptor) (any, error) {
	if field.IsRepeated() && !field.IsMap() {
		if !val.IsPointer() || vm.heap.obj(val.AsPointer()).typeID != TypeList {
			return nil, fmt.Errorf("expected list for repeated field")
		}
		elems := vm.heap.obj(val.AsPointer()).list().elems
		out := make([]any, len(elems))
		for i, el := range elems {
			pv, err := vm.valueToProtoField(el, field)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = pv
		}
		return out, nil
	}

	switch field.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_INT32,
		descriptorpb.FieldDescriptorProto_TYPE_SINT32,
		descriptorpb.FieldDescriptorProto_TYPE_SFIXED32:
		return int32(vm.coerceF64(val)), nil
	case descriptorpb.FieldDescriptorProto_TYPE_INT64,
		descriptorpb.FieldDescriptorProto_TYPE_SINT64,
		descriptorpb.FieldDescriptorProto_TYPE_SFIXED64:
		return int64(vm.coerceF64(val)), nil
	case descriptorpb.FieldDescriptorProto_TYPE_UINT32,
		descriptorpb.FieldDescriptorProto_TYPE_FIXED32:
		return uint32(vm.coerceF64(val)), nil
	case descriptorpb.FieldDescriptorProto_TYPE_UINT64,
		descriptorpb.FieldDescriptorProto_TYPE_FIXED64:
		return uint64(vm.coerceF64(val)), nil
	case descriptorpb.FieldDescriptorProto_TYPE_FLOAT:
		return float32(vm.coerceF64(val)), nil
	case descriptorpb.FieldDescriptorProto_TYPE_DOUBLE:
		return vm.coerceF64(val), nil
	case descriptorpb.FieldDescriptorProto_TYPE_BOOL:
		return val.ToBool(), nil
	case descriptorpb.FieldDescriptorProto_TYPE_STRING:
		if s, ok := vm.stringBytes(val); ok {
			return s, nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_BYTES:
		if s, ok := vm.stringBytes(val); ok {
			return []byte(s), nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_MESSAGE:
		return vm.mapToProto(val, field.GetMessageType())
	case descriptorpb.FieldDescriptorProto_TYPE_ENUM:
		if s, ok := vm.stringBytes(val); ok {
			if ev := field.GetEnumType().FindValueByName(s); ev != nil {
				return ev.GetNumber(), nil
			}
			return nil, fmt.Errorf("unknown enum value %q", s)
		}
		return int32(vm.coerceF64(val)), nil
	}
	return nil, fmt.Errorf("cannot convert value to proto type %v", field.GetType())
}

// protoToMap converts a dynamic response message into a map value.
func (vm *VM) protoToMap(msg *dynamic.Message) Value {
	out := vm.allocEmptyMap()
	m := vm.heap.obj(out.AsPointer()).valueMap()
	for _, field := range msg.GetKnownFields() {
		if !msg.HasField(field) && field.IsRepeated() {
			continue
		}
		v := vm.protoFieldToValue(msg.GetField(field), field)
		m.Put(vm, vm.GetOrAllocString(field.GetName()), v)
	}
	return out
}

// protoFieldToValue converts one protobuf field value.
func (vm *VM) protoFieldToValue(fv any, field *desc.FieldDescriptor) Value {
	switch v := fv.(type) {
	case int32:
		return FromF64(float64(v))
	case int64:
		return FromF64(float64(v))
	case uint32:
		return FromF64(float64(v))
	case uint64:
		return FromF64(float64(v))
	case float32:
		return FromF64(float64(v))
	case float64:
		return FromF64(v)
	case bool:
		return FromBool(v)
	case string:
		return vm.GetOrAllocString(v)
	case []byte:
		return vm.allocRawString(v)
	case *dynamic.Message:
		return vm.protoToMap(v)
	case []any:
		elems := make([]Value, len(v))
		for i, el := range v {
			elems[i] = vm.protoFieldToValue(el, field)
		}
		return vm.allocList(elems)
	}
	return None
}
