// abac moves integer balances between named holders. It is the chaincode the
// relay examples and the end to end network are configured with.
package main

import (
	"fmt"
	"strconv"

	"github.com/GwanWingYan/fabric-chaincode-go/shim"
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// SimpleChaincode answers init, invoke, query and delete
type SimpleChaincode struct{}

// Init expects two holders with their opening balances: a 100 b 200
func (t *SimpleChaincode) Init(stub shim.ChaincodeStubInterface) pb.Response {
	_, args := stub.GetFunctionAndParameters()
	if len(args) != 4 {
		return shim.Error("Incorrect number of arguments. Expecting 4")
	}

	for i := 0; i < 4; i += 2 {
		if _, err := strconv.Atoi(args[i+1]); err != nil {
			return shim.Error("Expecting integer value for asset holding")
		}
		if err := stub.PutState(args[i], []byte(args[i+1])); err != nil {
			return shim.Error(err.Error())
		}
	}
	return shim.Success(nil)
}

func (t *SimpleChaincode) Invoke(stub shim.ChaincodeStubInterface) pb.Response {
	function, args := stub.GetFunctionAndParameters()
	switch function {
	case "invoke":
		return t.invoke(stub, args)
	case "query":
		return t.query(stub, args)
	case "delete":
		return t.delete(stub, args)
	}
	return shim.Error(fmt.Sprintf("Unknown function %q. Expecting \"invoke\" \"query\" or \"delete\"", function))
}

// invoke moves X units from A to B
func (t *SimpleChaincode) invoke(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 3 {
		return shim.Error("Incorrect number of arguments. Expecting 3")
	}
	from, to := args[0], args[1]

	fromVal, err := balance(stub, from)
	if err != nil {
		return shim.Error(err.Error())
	}
	toVal, err := balance(stub, to)
	if err != nil {
		return shim.Error(err.Error())
	}
	amount, err := strconv.Atoi(args[2])
	if err != nil {
		return shim.Error("Invalid transaction amount, expecting a integer value")
	}
	if amount > fromVal {
		return shim.Error(fmt.Sprintf("Insufficient balance: %s holds %d", from, fromVal))
	}

	if err := stub.PutState(from, []byte(strconv.Itoa(fromVal-amount))); err != nil {
		return shim.Error(err.Error())
	}
	if err := stub.PutState(to, []byte(strconv.Itoa(toVal+amount))); err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(nil)
}

func (t *SimpleChaincode) query(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 1 {
		return shim.Error("Incorrect number of arguments. Expecting name of the person to query")
	}
	value, err := stub.GetState(args[0])
	if err != nil {
		return shim.Error(fmt.Sprintf("Failed to get state for %s", args[0]))
	}
	if value == nil {
		return shim.Error(fmt.Sprintf("Nil amount for %s", args[0]))
	}
	return shim.Success(value)
}

func (t *SimpleChaincode) delete(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 1 {
		return shim.Error("Incorrect number of arguments. Expecting 1")
	}
	if err := stub.DelState(args[0]); err != nil {
		return shim.Error("Failed to delete state")
	}
	return shim.Success(nil)
}

func balance(stub shim.ChaincodeStubInterface, holder string) (int, error) {
	value, err := stub.GetState(holder)
	if err != nil {
		return 0, errors.Errorf("Failed to get state for %s", holder)
	}
	if value == nil {
		return 0, errors.Errorf("Entity %s not found", holder)
	}
	return strconv.Atoi(string(value))
}

func main() {
	if err := shim.Start(new(SimpleChaincode)); err != nil {
		fmt.Printf("Error starting Simple chaincode: %s", err)
	}
}
