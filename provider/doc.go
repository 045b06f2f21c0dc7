// Package provider is the client of the compute provisioning API.
//
// LambdaClient implements interfaces.Provisioner against the Lambda Cloud
// API using a bearer API key. Memory is an in-process implementation for
// development and tests.
package provider
